package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// LINEChannel LINE 通知のチャネル名
const LINEChannel = "line"

// lineMaxTextLength テキストメッセージ1件の最大文字数
const lineMaxTextLength = 5000

// errNoLineUser LINE のユーザーIDが未登録
var errNoLineUser = errors.New("LINE のユーザーIDが登録されていません")

// LINENotifier LINE Messaging APIを使用した Sender の実装
type LINENotifier struct {
	channelAccessToken string
	httpClient         *http.Client
	endpoint           string
}

// lineMessage LINE APIに送信するメッセージ構造体
type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// linePushRequest LINE Push APIのリクエスト構造体
type linePushRequest struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

// lineErrorResponse LINE APIのエラーレスポンス構造体
type lineErrorResponse struct {
	Message string `json:"message"`
	Details []struct {
		Message  string `json:"message"`
		Property string `json:"property"`
	} `json:"details"`
}

// NewLINENotifier LINE通知クライアントを作成
func NewLINENotifier(channelAccessToken string) *LINENotifier {
	return &LINENotifier{
		channelAccessToken: channelAccessToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		endpoint: "https://api.line.me/v2/bot/message/push",
	}
}

// Channel チャネル名
func (n *LINENotifier) Channel() string {
	return LINEChannel
}

// Send ユーザーの LINE に通知を送る
func (n *LINENotifier) Send(ctx context.Context, user *domain.User, msg domain.Message) error {
	if user.LineUserID == "" {
		return fmt.Errorf("ユーザー %s: %w", user.ID, errNoLineUser)
	}
	return n.sendPushMessage(ctx, user.LineUserID, buildLINEText(msg))
}

// buildLINEText 件名と本文を1件のテキストにまとめる
func buildLINEText(msg domain.Message) string {
	var builder strings.Builder
	builder.WriteString("🔸 ")
	builder.WriteString(msg.Subject)
	if msg.Body != "" {
		builder.WriteString("\n\n")
		builder.WriteString(msg.Body)
	}

	text := builder.String()
	if runes := []rune(text); len(runes) > lineMaxTextLength {
		text = string(runes[:lineMaxTextLength-1]) + "…"
	}
	return text
}

// sendPushMessage LINE Push APIでメッセージを送信
func (n *LINENotifier) sendPushMessage(ctx context.Context, to, message string) error {
	pushRequest := linePushRequest{
		To: to,
		Messages: []lineMessage{
			{
				Type: "text",
				Text: message,
			},
		},
	}

	requestBody, err := json.Marshal(pushRequest)
	if err != nil {
		return fmt.Errorf("リクエストボディのJSON変換に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		n.endpoint,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", n.channelAccessToken))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("LINE APIリクエストの送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errorResponse lineErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResponse); err != nil {
			return fmt.Errorf("LINE API呼び出しが失敗しました (Status: %d, レスポンス解析不可: %v)", resp.StatusCode, err)
		}

		errorDetails := errorResponse.Message
		if len(errorResponse.Details) > 0 {
			errorDetails += fmt.Sprintf(" (詳細: %s)", errorResponse.Details[0].Message)
		}

		return fmt.Errorf("LINE API呼び出しが失敗しました (Status: %d): %s", resp.StatusCode, errorDetails)
	}

	return nil
}
