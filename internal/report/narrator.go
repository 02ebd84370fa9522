package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

// Narrator writes a short advisory for a report.
type Narrator interface {
	Narrate(ctx context.Context, r *Report) (string, error)
}

const systemPrompt = `You are an agronomist writing the morning advisory for fruit and vine growers in the Quillota and Casablanca valleys of Chile.
Write three to five sentences in Spanish. Mention frost, heat, disease or pest alerts first, then irrigation and field work advice.
Only use the figures given. Do not invent stations or numbers.`

type OpenAINarrator struct {
	client openai.Client
	model  openai.ChatModel
}

func NewOpenAINarrator(apiKey, model string) (*OpenAINarrator, error) {
	if apiKey == "" {
		return nil, failure.Newf(failure.AuthMissing, "report.NewOpenAINarrator", "OPENAI_API_KEY not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAINarrator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModel(model),
	}, nil
}

func (n *OpenAINarrator) Narrate(ctx context.Context, r *Report) (string, error) {
	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: n.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(Prompt(r)),
		},
	})
	if err != nil {
		return "", failure.New(failure.Network, "report.Narrate", err)
	}
	if len(resp.Choices) == 0 {
		return "", failure.Newf(failure.Malformed, "report.Narrate", "no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Prompt lists the report figures one station per line.
func Prompt(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bulletin for %s.\n", r.Day.Format("2006-01-02"))
	for _, s := range r.Stations {
		fmt.Fprintf(&b, "%s (%s, stage %s): min %s, max %s, rain %.1f mm, season GDD %.0f.",
			s.Station.Name, s.Station.PrimaryCrop, stage(s.Phenology), num(s.TempMin), num(s.TempMax), s.Precipitation, s.GDDSeason)
		for _, a := range s.Alerts {
			fmt.Fprintf(&b, " Alert: %s.", a.Message)
		}
		if fc, ok := s.Tomorrow[models.VarTempMin]; ok {
			fmt.Fprintf(&b, " Tomorrow min %.1f.", fc.Value)
		}
		b.WriteString("\n")
	}
	return b.String()
}
