package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

// QueryClient implements the QueryService interface against a retrieval backend exposing a single query
// endpoint. The backend either answers with one JSON document or streams the answer.
type QueryClient struct {
	endpoint string
	params   QueryParameters

	client *http.Client

	logger *slog.Logger
}

// QueryParameters are optional fields forwarded to the query backend.
type QueryParameters struct {
	CollectionName string   `yaml:"collectionName"`
	ModelName      string   `yaml:"modelName"`
	Temperature    *float32 `yaml:"temperature"`
}

type queryRequest struct {
	Messages       []models.Message `json:"messages"`
	CollectionName string           `json:"collection_name,omitempty"`
	ModelName      string           `json:"model_name,omitempty"`
	Temperature    *float32         `json:"temperature,omitempty"`
}

type queryResponse struct {
	Answer  *string         `json:"answer"`
	Sources []models.Source `json:"sources"`
}

type queryStreamError struct {
	Error string `json:"error"`
}

const (
	// DefaultQueryEndpoint is the query endpoint of a locally running backend.
	DefaultQueryEndpoint = "http://localhost:8000/query"

	querySourcePrefix = "source:"
	queryErrorPrefix  = `data: {"error"`

	maxErrorBody = 64 << 10
)

// ErrMalformedResponse is returned when a backend response lacks a required field.
var ErrMalformedResponse = models.ErrMalformedResponse

// NewQueryClient creates a new QueryClient posting to endpoint. An empty endpoint means
// DefaultQueryEndpoint; a nil client means http.DefaultClient.
func NewQueryClient(endpoint string, params QueryParameters, client *http.Client, logger *slog.Logger) QueryClient {
	if endpoint == "" {
		endpoint = DefaultQueryEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return QueryClient{
		endpoint: endpoint,
		params:   params,
		client:   client,
		logger:   logger.With(slog.String("module", "query")),
	}
}

// Query sends the full message history to the backend. A JSON answer is yielded as a single chunk carrying
// both the answer and its sources. A streamed answer yields a chunk per source, then the answer text as it
// arrives.
func (q QueryClient) Query(ctx context.Context, messages []models.Message) iter.Seq2[models.AnswerChunk, error] {
	return func(yield func(models.AnswerChunk, error) bool) {
		jsonBody, err := json.Marshal(queryRequest{
			Messages:       messages,
			CollectionName: q.params.CollectionName,
			ModelName:      q.params.ModelName,
			Temperature:    q.params.Temperature,
		})
		if err != nil {
			yield(models.AnswerChunk{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(jsonBody))
		if err != nil {
			yield(models.AnswerChunk{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")

		resp, err := q.client.Do(req)
		if err != nil {
			yield(models.AnswerChunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			yield(q.failedResponse(resp))
			return
		}

		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType == "text/event-stream" || mediaType == "text/plain" {
			q.readStream(resp.Body, yield)
			return
		}

		var res queryResponse
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			yield(models.AnswerChunk{}, fmt.Errorf("error decoding response: %w", err))
			return
		}
		if res.Answer == nil {
			yield(models.AnswerChunk{}, fmt.Errorf("%w: missing answer", ErrMalformedResponse))
			return
		}
		yield(models.AnswerChunk{Text: *res.Answer, Sources: res.Sources}, nil)
	}
}

// failedResponse turns a non-2xx response into a result. The backend apologizes with a regular answer when
// it fails internally, so such an answer is passed on as is.
func (q QueryClient) failedResponse(resp *http.Response) (models.AnswerChunk, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return models.AnswerChunk{}, fmt.Errorf("query endpoint returned %s: error reading body: %w", resp.Status, err)
	}

	var res queryResponse
	if err := json.Unmarshal(body, &res); err == nil && res.Answer != nil {
		q.logger.Warn("Query endpoint answered with an error status",
			slog.Int("status", resp.StatusCode),
			slog.String("answer", *res.Answer))
		return models.AnswerChunk{Text: *res.Answer, Sources: res.Sources}, nil
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return models.AnswerChunk{}, fmt.Errorf("query endpoint returned %s", resp.Status)
	}
	return models.AnswerChunk{}, fmt.Errorf("query endpoint returned %s: %s", resp.Status, msg)
}

// readStream reads the answer streamed by the backend. The body is a plain concatenation of chunks: every
// source comes first as "source:" followed by a JSON object, then the answer text follows as is. A failure
// while streaming is reported as a `data: {"error": ...}` chunk that ends the body.
func (q QueryClient) readStream(r io.Reader, yield func(models.AnswerChunk, error) bool) {
	br := bufio.NewReader(r)

	for {
		prefix, err := br.Peek(len(querySourcePrefix))
		if string(prefix) != querySourcePrefix {
			if err != nil && !errors.Is(err, io.EOF) {
				yield(models.AnswerChunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			break
		}
		if _, err := br.Discard(len(querySourcePrefix)); err != nil {
			yield(models.AnswerChunk{}, fmt.Errorf("error reading response: %w", err))
			return
		}

		dec := json.NewDecoder(br)
		var src models.Source
		if err := dec.Decode(&src); err != nil {
			yield(models.AnswerChunk{}, fmt.Errorf("error unmarshaling source: %w", err))
			return
		}
		if src.URL == "" {
			yield(models.AnswerChunk{}, fmt.Errorf("%w: source without url", ErrMalformedResponse))
			return
		}
		q.logger.Debug("Received source", slog.String("url", src.URL))
		if !yield(models.AnswerChunk{Sources: []models.Source{src}}, nil) {
			return
		}
		// The decoder may have read past the source object.
		br = bufio.NewReader(io.MultiReader(dec.Buffered(), br))
	}

	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, readErr := br.Read(buf)
		pending = append(pending, buf[:n]...)

		if idx := bytes.Index(pending, []byte(queryErrorPrefix)); idx != -1 {
			if idx > 0 && !yield(models.AnswerChunk{Text: string(pending[:idx])}, nil) {
				return
			}
			rest, err := io.ReadAll(br)
			if err != nil {
				yield(models.AnswerChunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			yield(models.AnswerChunk{}, streamError(append(pending[idx+len("data:"):], rest...)))
			return
		}

		done := readErr != nil
		keep := 0
		if !done {
			keep = heldBack(pending)
		}
		if text := pending[:len(pending)-keep]; len(text) > 0 {
			if !yield(models.AnswerChunk{Text: string(text)}, nil) {
				return
			}
		}
		pending = append(pending[:0], pending[len(pending)-keep:]...)

		if done {
			if !errors.Is(readErr, io.EOF) {
				yield(models.AnswerChunk{}, fmt.Errorf("error reading response: %w", readErr))
			}
			return
		}
	}
}

// heldBack returns how many trailing bytes of p must wait for the next read: a possible start of the error
// chunk, or an incomplete UTF-8 sequence.
func heldBack(p []byte) int {
	for n := min(len(queryErrorPrefix)-1, len(p)); n > 0; n-- {
		if bytes.HasPrefix([]byte(queryErrorPrefix), p[len(p)-n:]) {
			return n
		}
	}
	for n := 1; n <= min(utf8.UTFMax-1, len(p)); n++ {
		if utf8.RuneStart(p[len(p)-n]) {
			if !utf8.FullRune(p[len(p)-n:]) {
				return n
			}
			break
		}
	}
	return 0
}

func streamError(data []byte) error {
	var e queryStreamError
	if err := json.Unmarshal(bytes.TrimSpace(data), &e); err != nil || e.Error == "" {
		return fmt.Errorf("query backend error: %s", bytes.TrimSpace(data))
	}
	return fmt.Errorf("query backend error: %s", e.Error)
}
