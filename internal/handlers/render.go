package handlers

import (
	"bytes"
	"html/template"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	Role    models.Role
	Content template.HTML
	Sources []string
}

type transcriptData struct {
	Messages  []message
	Status    models.Status
	Streaming string
	Loading   bool
	Failed    bool
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
	)
}

// renderMessage turns a transcript message into its HTML form. Assistant answers are markdown with
// citations appended; everything else is shown as plain text.
func (m Main) renderMessage(msg models.Message) message {
	if msg.Role != models.RoleAssistant {
		return message{
			Role:    msg.Role,
			Content: template.HTML(template.HTMLEscapeString(msg.Content)),
		}
	}

	body, urls := models.SplitAnswer(msg.Content)

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(body), &buf); err != nil {
		// Falling back to the escaped text keeps the answer visible.
		buf.Reset()
		buf.WriteString(template.HTMLEscapeString(body))
	}
	return message{
		Role:    msg.Role,
		Content: template.HTML(buf.String()),
		Sources: urls,
	}
}

func (m Main) transcriptData(t models.Transcript, streaming string) transcriptData {
	msgs := make([]message, len(t.Messages))
	for i, msg := range t.Messages {
		msgs[i] = m.renderMessage(msg)
	}
	return transcriptData{
		Messages:  msgs,
		Status:    t.Status,
		Streaming: streaming,
		Loading:   t.Status == models.StatusLoading,
		Failed:    t.Status == models.StatusError,
	}
}
