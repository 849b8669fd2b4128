package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	defaultGeminiChatModel      = "gemini-1.5-flash-latest"
	defaultGeminiEmbeddingModel = "text-embedding-004"
)

// GeminiService implements Completer and Embedder on the Gemini API.
type GeminiService struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
	log            *zap.Logger
}

func NewGeminiService(ctx context.Context, apiKey, chatModel, embeddingModel string, log *zap.Logger) (*GeminiService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if chatModel == "" {
		chatModel = defaultGeminiChatModel
	}
	if embeddingModel == "" {
		embeddingModel = defaultGeminiEmbeddingModel
	}
	return &GeminiService{
		client:         client,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		log:            log,
	}, nil
}

func (s *GeminiService) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.log.Warn("error closing GenAI client", zap.Error(err))
		return
	}
	s.log.Info("GenAI client closed")
}

func (s *GeminiService) Embed(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func (s *GeminiService) Complete(ctx context.Context, history []Message, tools []Tool) (*Completion, error) {
	system, contents, err := toGeminiContents(history)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("prompt history is empty for chat completion")
	}

	model := s.client.GenerativeModel(s.chatModel)
	model.SetTemperature(0)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		model.Tools = []*genai.Tool{toGeminiTools(tools)}
	}

	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, fmt.Errorf("last message in history is from %q, cannot proceed with chat completion", last.Role)
	}

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return fromGeminiResponse(resp)
}

// toGeminiContents splits out the system prompt and folds consecutive tool
// messages into one function-response turn.
func toGeminiContents(history []Message) (string, []*genai.Content, error) {
	var system []string
	var contents []*genai.Content

	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		case RoleAssistant:
			c := &genai.Content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return "", nil, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
					}
				}
				c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		case RoleTool:
			resp := genai.FunctionResponse{Name: m.Name, Response: toolResponseMap(m.Content)}
			if n := len(contents); n > 0 && isFunctionResponseTurn(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, resp)
			} else {
				contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{resp}})
			}
		default:
			return "", nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	return strings.Join(system, "\n\n"), contents, nil
}

func isFunctionResponseTurn(c *genai.Content) bool {
	if c.Role != "user" || len(c.Parts) == 0 {
		return false
	}
	_, ok := c.Parts[0].(genai.FunctionResponse)
	return ok
}

func toolResponseMap(content string) map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return map[string]any{"result": content}
	}
	return out
}

func toGeminiTools(tools []Tool) *genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(t.Parameters),
		})
	}
	return &genai.Tool{FunctionDeclarations: decls}
}

// toGeminiSchema converts a parameter schema. Gemini rejects objects without
// declared properties, so free-form objects are declared as JSON strings.
func toGeminiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{Description: s.Description, Required: s.Required}
	switch s.Type {
	case "object":
		if len(s.Properties) == 0 {
			out.Type = genai.TypeString
			out.Description = strings.TrimSpace(s.Description + " Pass it as a JSON-encoded string.")
			return out
		}
		out.Type = genai.TypeObject
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = toGeminiSchema(p)
		}
	case "array":
		out.Type = genai.TypeArray
		out.Items = toGeminiSchema(s.Items)
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	return out
}

// fromGeminiResponse reads the first candidate. Gemini does not assign
// function call ids, so one is generated per call.
func fromGeminiResponse(resp *genai.GenerateContentResponse) (*Completion, error) {
	completion := &Completion{}
	if resp == nil {
		return completion, nil
	}
	if u := resp.UsageMetadata; u != nil {
		completion.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return completion, nil
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				return nil, fmt.Errorf("%w: function call %s arguments: %v", ErrUpstreamProtocol, p.Name, err)
			}
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      p.Name,
				Arguments: args,
			})
		}
	}
	completion.Content = text.String()
	return completion, nil
}
