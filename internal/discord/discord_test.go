package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"feednotify/internal/model"
)

func TestBuildPayload(t *testing.T) {
	details := model.MediumDetails{
		Content: "New article: {{title}}",
		Embeds: []model.Embed{
			{
				Title:       "{{title}}",
				Description: "{{custom::summary}}",
				URL:         "{{link}}",
				Footer:      &model.EmbedFooter{Text: "via {{author}}"},
				Fields: []model.EmbedField{
					{Name: "Link", Value: "{{link}}", Inline: true},
				},
			},
		},
	}
	fields := map[string]string{
		"title":           "Kubernetes 1.32 Released",
		"link":            "https://example.com/k8s-132",
		"author":          "DevOps Weekly",
		"custom::summary": "KUBERNETES 1.32 RELEASED",
	}

	got := BuildPayload(details, fields)
	want := Payload{
		Content: "New article: Kubernetes 1.32 Released",
		Embeds: []model.Embed{
			{
				Title:       "Kubernetes 1.32 Released",
				Description: "KUBERNETES 1.32 RELEASED",
				URL:         "https://example.com/k8s-132",
				Footer:      &model.EmbedFooter{Text: "via DevOps Weekly"},
				Fields: []model.EmbedField{
					{Name: "Link", Value: "https://example.com/k8s-132", Inline: true},
				},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPayloadForumThreadName(t *testing.T) {
	details := model.MediumDetails{
		Content: "{{title}}",
		Channel: &model.Channel{ID: "chan-1", Type: "forum"},
	}
	got := BuildPayload(details, map[string]string{"title": "Thread Title"})
	if got.ThreadName != "Thread Title" {
		t.Errorf("thread name = %q, want article title", got.ThreadName)
	}

	plain := model.MediumDetails{
		Content: "{{title}}",
		Channel: &model.Channel{ID: "chan-1"},
	}
	if got := BuildPayload(plain, map[string]string{"title": "x"}); got.ThreadName != "" {
		t.Errorf("non-forum channel got thread name %q", got.ThreadName)
	}
}

func TestBuildPayloadWebhookIdentity(t *testing.T) {
	details := model.MediumDetails{
		Content: "hello",
		Webhook: &model.Webhook{ID: "wh-1", Name: "{{author}} Bot", IconURL: "https://example.com/icon.png"},
	}
	got := BuildPayload(details, map[string]string{"author": "Feed"})
	if got.Username != "Feed Bot" {
		t.Errorf("username = %q", got.Username)
	}
	if got.AvatarURL != "https://example.com/icon.png" {
		t.Errorf("avatar = %q", got.AvatarURL)
	}
}

func TestValidatePayload(t *testing.T) {
	longContent := strings.Repeat("a", 2001)
	longDesc := strings.Repeat("b", 4097)

	tests := []struct {
		name      string
		payload   Payload
		wantValid bool
		wantErrs  int
	}{
		{
			name:      "content only",
			payload:   Payload{Content: "hello"},
			wantValid: true,
		},
		{
			name:      "embed only",
			payload:   Payload{Embeds: []model.Embed{{Title: "t"}}},
			wantValid: true,
		},
		{
			name:      "empty payload",
			payload:   Payload{},
			wantValid: false,
			wantErrs:  1,
		},
		{
			name:      "content too long",
			payload:   Payload{Content: longContent},
			wantValid: false,
			wantErrs:  1,
		},
		{
			name:      "too many embeds",
			payload:   Payload{Embeds: make([]model.Embed, 11)},
			wantValid: false,
			wantErrs:  1,
		},
		{
			name:      "embed description too long",
			payload:   Payload{Embeds: []model.Embed{{Description: longDesc}}},
			wantValid: false,
			wantErrs:  1,
		},
		{
			name: "empty field name and value",
			payload: Payload{Embeds: []model.Embed{{
				Title:  "t",
				Fields: []model.EmbedField{{}},
			}}},
			wantValid: false,
			wantErrs:  2,
		},
		{
			name: "total embed budget",
			payload: Payload{Embeds: []model.Embed{
				{Description: strings.Repeat("x", 4000)},
				{Description: strings.Repeat("y", 4000)},
			}},
			wantValid: false,
			wantErrs:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, errs := ValidatePayload(tt.payload)
			if valid != tt.wantValid {
				t.Errorf("valid = %v, want %v (errors: %v)", valid, tt.wantValid, errs)
			}
			if tt.wantErrs > 0 && len(errs) != tt.wantErrs {
				t.Errorf("error count = %d, want %d: %v", len(errs), tt.wantErrs, errs)
			}
		})
	}
}

func TestRecordingDispatcher(t *testing.T) {
	d := &RecordingDispatcher{Result: DispatchResult{Status: 204}}

	res, err := d.Dispatch(context.Background(), model.MediumDetails{}, Payload{Content: "one"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != 204 {
		t.Errorf("status = %d, want 204", res.Status)
	}
	if len(d.Payloads) != 1 || d.Payloads[0].Content != "one" {
		t.Errorf("recorded payloads = %+v", d.Payloads)
	}
}
