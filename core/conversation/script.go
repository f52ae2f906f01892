package conversation

import (
	"fmt"
	"strings"

	"github.com/createrken-code/nippo-shokuninn/core/config"
)

// Question is one text prompt of the report.
type Question struct {
	Key    string
	Label  string
	Prompt string
}

// Script holds the question sequence and every text the bot replies with.
type Script struct {
	Trigger     string
	Completion  string
	Questions   []Question
	PhotoPrompt string

	Guidance      string
	PhotoGuidance string
	// PhotoAck takes the current photo count.
	PhotoAck     string
	PhotoFailed  string
	// PhotoLimit takes the per-session photo cap.
	PhotoLimit   string
	Processing   string
	TextExpected string
	// Failure takes the failure cause.
	Failure      string
	HandoffCause string
}

// DefaultScript reproduces the Japanese daily-report dialogue.
func DefaultScript() Script {
	return Script{
		Trigger:    "日報作成",
		Completion: "完了",
		Questions: []Question{
			{Key: "worker", Label: "作業者名", Prompt: "作業者名を入力してください"},
			{Key: "site", Label: "作業現場", Prompt: "作業現場を入力してください"},
			{Key: "task", Label: "作業内容", Prompt: "作業内容を入力してください"},
			{Key: "duration", Label: "作業時間", Prompt: "作業時間を入力してください"},
			{Key: "remarks", Label: "備考", Prompt: "備考を入力してください（なければ「なし」と入力）"},
		},
		PhotoPrompt:   "写真を送ってください（複数可、終わったら「完了」と入力）",
		Guidance:      "まず「日報作成」と入力してください。",
		PhotoGuidance: "写真を送るか「完了」と入力してください。",
		PhotoAck:      "📷 写真を受け取りました！現在 %d 枚。続けて送るか「完了」と入力してください。",
		PhotoFailed:   "⚠️ 写真を読み込めませんでした。もう一度送ってください。",
		PhotoLimit:    "⚠️ 写真は %d 枚までです。「完了」と入力してください。",
		Processing:    "📄 PDFを生成しています。しばらくお待ちください...",
		TextExpected:  "文字で回答してください。",
		Failure:       "❌ エラーが発生しました: %s",
		HandoffCause:  "現在混み合っています。もう一度「日報作成」からやり直してください。",
	}
}

// ScriptFromConfig applies configured trigger and completion words to DefaultScript.
// Guidance texts mentioning the defaults are rewritten to match.
func ScriptFromConfig(cfg config.ConversationConfig) Script {
	s := DefaultScript()
	if t := strings.TrimSpace(cfg.TriggerPhrase); t != "" && t != s.Trigger {
		s.Guidance = strings.ReplaceAll(s.Guidance, s.Trigger, t)
		s.HandoffCause = strings.ReplaceAll(s.HandoffCause, s.Trigger, t)
		s.Trigger = t
	}
	if k := strings.TrimSpace(cfg.CompletionKeyword); k != "" && k != s.Completion {
		s.PhotoPrompt = strings.ReplaceAll(s.PhotoPrompt, s.Completion, k)
		s.PhotoGuidance = strings.ReplaceAll(s.PhotoGuidance, s.Completion, k)
		s.PhotoAck = strings.ReplaceAll(s.PhotoAck, s.Completion, k)
		s.PhotoLimit = strings.ReplaceAll(s.PhotoLimit, s.Completion, k)
		s.Completion = k
	}
	return s
}

// Steps is the number of prompts including the photo step.
func (s Script) Steps() int { return len(s.Questions) + 1 }

// PhotoStep is the step index of photo collection.
func (s Script) PhotoStep() int { return len(s.Questions) }

// Prompt returns the prompt shown at step.
func (s Script) Prompt(step int) string {
	if step >= 0 && step < len(s.Questions) {
		return s.Questions[step].Prompt
	}
	return s.PhotoPrompt
}

// Validate checks that the script can drive a conversation.
func (s Script) Validate() error {
	if strings.TrimSpace(s.Trigger) == "" {
		return fmt.Errorf("conversation: trigger phrase is required")
	}
	if strings.TrimSpace(s.Completion) == "" {
		return fmt.Errorf("conversation: completion keyword is required")
	}
	if len(s.Questions) == 0 {
		return fmt.Errorf("conversation: at least one question is required")
	}
	seen := make(map[string]struct{}, len(s.Questions))
	for i, q := range s.Questions {
		if q.Key == "" || q.Prompt == "" {
			return fmt.Errorf("conversation: question %d needs a key and a prompt", i)
		}
		if _, dup := seen[q.Key]; dup {
			return fmt.Errorf("conversation: duplicate question key %q", q.Key)
		}
		seen[q.Key] = struct{}{}
	}
	return nil
}
