// Package discord builds and validates outbound message payloads. The wire
// client that actually talks to Discord is a collaborator behind the
// Dispatcher interface.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"feednotify/internal/model"
	"feednotify/internal/placeholder"
)

// Discord message size limits.
const (
	maxContentLength     = 2000
	maxEmbeds            = 10
	maxEmbedTitleLength  = 256
	maxEmbedDescLength   = 4096
	maxEmbedFields       = 25
	maxFieldNameLength   = 256
	maxFieldValueLength  = 1024
	maxFooterTextLength  = 2048
	maxAuthorNameLength  = 256
	maxTotalEmbedsLength = 6000
)

// Payload is one composed Discord message ready for dispatch.
type Payload struct {
	Content string        `json:"content,omitempty"`
	Embeds  []model.Embed `json:"embeds,omitempty"`
	// Username and AvatarURL apply to webhook targets only.
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	// ThreadName is set for forum-channel targets, where a thread must be
	// created to carry the message.
	ThreadName string `json:"thread_name,omitempty"`
}

// BuildPayload renders the medium's message template against an article's
// field map, with custom placeholders already folded in by the caller.
func BuildPayload(details model.MediumDetails, fields map[string]string) Payload {
	p := Payload{
		Content: placeholder.ReplaceTemplate(details.Content, fields),
	}

	for _, e := range details.Embeds {
		embed := model.Embed{
			Title:       placeholder.ReplaceTemplate(e.Title, fields),
			Description: placeholder.ReplaceTemplate(e.Description, fields),
			URL:         placeholder.ReplaceTemplate(e.URL, fields),
			Color:       e.Color,
			Timestamp:   e.Timestamp,
		}
		if e.Author != nil {
			embed.Author = &model.EmbedAuthor{
				Name:    placeholder.ReplaceTemplate(e.Author.Name, fields),
				URL:     placeholder.ReplaceTemplate(e.Author.URL, fields),
				IconURL: placeholder.ReplaceTemplate(e.Author.IconURL, fields),
			}
		}
		if e.Footer != nil {
			embed.Footer = &model.EmbedFooter{
				Text:    placeholder.ReplaceTemplate(e.Footer.Text, fields),
				IconURL: placeholder.ReplaceTemplate(e.Footer.IconURL, fields),
			}
		}
		if e.Image != nil {
			embed.Image = &model.EmbedMedia{URL: placeholder.ReplaceTemplate(e.Image.URL, fields)}
		}
		if e.Thumbnail != nil {
			embed.Thumbnail = &model.EmbedMedia{URL: placeholder.ReplaceTemplate(e.Thumbnail.URL, fields)}
		}
		for _, f := range e.Fields {
			embed.Fields = append(embed.Fields, model.EmbedField{
				Name:   placeholder.ReplaceTemplate(f.Name, fields),
				Value:  placeholder.ReplaceTemplate(f.Value, fields),
				Inline: f.Inline,
			})
		}
		p.Embeds = append(p.Embeds, embed)
	}

	if details.Webhook != nil {
		p.Username = placeholder.ReplaceTemplate(details.Webhook.Name, fields)
		p.AvatarURL = details.Webhook.IconURL
	}
	if details.Channel != nil && details.Channel.Type == "forum" {
		p.ThreadName = placeholder.ReplaceTemplate(details.Content, fields)
		if title := fields["title"]; title != "" {
			p.ThreadName = title
		}
	}
	return p
}

// ValidatePayload performs the structural checks Discord enforces on its
// side, so misconfigured templates fail before dispatch. Returns every
// violation found.
func ValidatePayload(p Payload) (bool, []string) {
	var errs []string

	if p.Content == "" && len(p.Embeds) == 0 {
		errs = append(errs, "payload must have content or at least one embed")
	}
	if n := utf8.RuneCountInString(p.Content); n > maxContentLength {
		errs = append(errs, fmt.Sprintf("content length %d exceeds the %d character limit", n, maxContentLength))
	}
	if len(p.Embeds) > maxEmbeds {
		errs = append(errs, fmt.Sprintf("embed count %d exceeds the limit of %d", len(p.Embeds), maxEmbeds))
	}

	total := 0
	for i, e := range p.Embeds {
		errs = append(errs, validateEmbed(i, e)...)
		total += embedLength(e)
	}
	if total > maxTotalEmbedsLength {
		errs = append(errs, fmt.Sprintf("combined embed length %d exceeds the %d character limit", total, maxTotalEmbedsLength))
	}

	return len(errs) == 0, errs
}

func validateEmbed(i int, e model.Embed) []string {
	var errs []string
	if n := utf8.RuneCountInString(e.Title); n > maxEmbedTitleLength {
		errs = append(errs, fmt.Sprintf("embeds[%d].title length %d exceeds the %d character limit", i, n, maxEmbedTitleLength))
	}
	if n := utf8.RuneCountInString(e.Description); n > maxEmbedDescLength {
		errs = append(errs, fmt.Sprintf("embeds[%d].description length %d exceeds the %d character limit", i, n, maxEmbedDescLength))
	}
	if len(e.Fields) > maxEmbedFields {
		errs = append(errs, fmt.Sprintf("embeds[%d] field count %d exceeds the limit of %d", i, len(e.Fields), maxEmbedFields))
	}
	for j, f := range e.Fields {
		if f.Name == "" {
			errs = append(errs, fmt.Sprintf("embeds[%d].fields[%d].name must not be empty", i, j))
		}
		if f.Value == "" {
			errs = append(errs, fmt.Sprintf("embeds[%d].fields[%d].value must not be empty", i, j))
		}
		if n := utf8.RuneCountInString(f.Name); n > maxFieldNameLength {
			errs = append(errs, fmt.Sprintf("embeds[%d].fields[%d].name length %d exceeds the %d character limit", i, j, n, maxFieldNameLength))
		}
		if n := utf8.RuneCountInString(f.Value); n > maxFieldValueLength {
			errs = append(errs, fmt.Sprintf("embeds[%d].fields[%d].value length %d exceeds the %d character limit", i, j, n, maxFieldValueLength))
		}
	}
	if e.Footer != nil {
		if n := utf8.RuneCountInString(e.Footer.Text); n > maxFooterTextLength {
			errs = append(errs, fmt.Sprintf("embeds[%d].footer.text length %d exceeds the %d character limit", i, n, maxFooterTextLength))
		}
	}
	if e.Author != nil {
		if n := utf8.RuneCountInString(e.Author.Name); n > maxAuthorNameLength {
			errs = append(errs, fmt.Sprintf("embeds[%d].author.name length %d exceeds the %d character limit", i, n, maxAuthorNameLength))
		}
	}
	return errs
}

func embedLength(e model.Embed) int {
	n := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Description)
	for _, f := range e.Fields {
		n += utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
	}
	if e.Footer != nil {
		n += utf8.RuneCountInString(e.Footer.Text)
	}
	if e.Author != nil {
		n += utf8.RuneCountInString(e.Author.Name)
	}
	return n
}

// DispatchResult is the outcome of one dispatch attempt.
type DispatchResult struct {
	// Status is the upstream HTTP status, zero when the call never left.
	Status int
	Detail string
}

// Dispatcher sends a composed payload to its destination. Implementations
// must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, details model.MediumDetails, payload Payload) (DispatchResult, error)
}

// LogDispatcher logs payloads instead of sending them. It stands in for the
// wire client, which lives outside this service and is injected by the
// deployment.
type LogDispatcher struct {
	Logger *slog.Logger
}

// Dispatch logs the payload and reports success.
func (d *LogDispatcher) Dispatch(_ context.Context, details model.MediumDetails, payload Payload) (DispatchResult, error) {
	target := "channel"
	if details.Webhook != nil {
		target = "webhook"
	}
	d.Logger.Info("dispatching payload",
		"target", target,
		"content_length", len(payload.Content),
		"embeds", len(payload.Embeds))
	return DispatchResult{Status: 204}, nil
}

// RecordingDispatcher is a Dispatcher for tests and the one-shot test
// endpoint. It records every payload and returns a configurable result.
type RecordingDispatcher struct {
	Result DispatchResult
	Err    error

	Payloads []Payload
}

// Dispatch records the payload and returns the configured result.
func (d *RecordingDispatcher) Dispatch(_ context.Context, _ model.MediumDetails, payload Payload) (DispatchResult, error) {
	d.Payloads = append(d.Payloads, payload)
	if d.Err != nil {
		return DispatchResult{}, d.Err
	}
	return d.Result, nil
}
