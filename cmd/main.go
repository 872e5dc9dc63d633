package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/k-negishi/group-calendar-notifier/internal/config"
)

// Lambda で実行できる処理
const (
	actionReminders = "reminders"
	actionImport    = "import"
	actionFeed      = "feed"
	actionDigest    = "digest"
	actionInbox     = "inbox"
	actionAutoSync  = "autosync"
)

// LambdaEvent Lambda実行時のイベント構造体
//
// EventBridge Scheduler からの定期実行では Action を省略し、リマインダーを送る。
type LambdaEvent struct {
	Action string `json:"action"`
	// UpdatedSince 取り込み対象の更新日時の下限（RFC3339）。空なら全件
	UpdatedSince string `json:"updatedSince"`
	// UserID / Month / Upcoming はフィード出力用。UserID は inbox と autosync でも使う
	UserID   string `json:"userId"`
	Month    string `json:"month"`
	Upcoming bool   `json:"upcoming"`
	// GroupID / AutoSync は autosync 用
	GroupID  string `json:"groupId"`
	AutoSync bool   `json:"autoSync"`
}

// LambdaResponse Lambda実行結果のレスポンス
type LambdaResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Body       string `json:"body,omitempty"`
}

// handler Lambda関数のメインハンドラー
func handler(ctx context.Context, event LambdaEvent) (LambdaResponse, error) {
	// 設定を読み込み
	cfg, err := config.Load(ctx)
	if err != nil {
		return LambdaResponse{
			StatusCode: 500,
			Message:    "設定読み込みエラー",
		}, err
	}
	setupLogger(cfg)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return LambdaResponse{
			StatusCode: 500,
			Message:    "初期化エラー",
		}, err
	}
	defer a.Close()

	switch event.Action {
	case "", actionReminders:
		if err := a.runReminders(ctx, time.Now()); err != nil {
			slog.ErrorContext(ctx, "reminder sweep failed", slog.String("error", err.Error()))
			return LambdaResponse{
				StatusCode: 500,
				Message:    "リマインダー送信エラー",
			}, err
		}
		return LambdaResponse{
			StatusCode: 200,
			Message:    "リマインダー送信完了",
		}, nil

	case actionDigest:
		if err := a.runDigest(ctx, time.Now()); err != nil {
			slog.ErrorContext(ctx, "daily digest failed", slog.String("error", err.Error()))
			return LambdaResponse{
				StatusCode: 500,
				Message:    "ダイジェスト送信エラー",
			}, err
		}
		return LambdaResponse{
			StatusCode: 200,
			Message:    "ダイジェスト送信完了",
		}, nil

	case actionImport:
		var since time.Time
		if event.UpdatedSince != "" {
			since, err = time.Parse(time.RFC3339, event.UpdatedSince)
			if err != nil {
				return LambdaResponse{
					StatusCode: 400,
					Message:    "updatedSince の形式が不正です",
				}, nil
			}
		}
		res, err := a.runImport(ctx, since)
		if err != nil {
			slog.ErrorContext(ctx, "import failed", slog.String("error", err.Error()))
			return LambdaResponse{
				StatusCode: 500,
				Message:    "取り込みエラー",
			}, err
		}
		return LambdaResponse{
			StatusCode: 200,
			Message:    fmt.Sprintf("取り込み完了（作成 %d / 更新 %d / 変更なし %d / 削除 %d）", res.Created, res.Updated, res.Unchanged, res.Deleted),
		}, nil

	case actionFeed:
		var buf strings.Builder
		if err := a.writeFeed(ctx, &buf, event.UserID, event.Month, event.Upcoming); err != nil {
			slog.ErrorContext(ctx, "feed failed",
				slog.String("user_id", event.UserID),
				slog.String("error", err.Error()),
			)
			return LambdaResponse{
				StatusCode: 500,
				Message:    "フィード生成エラー",
			}, err
		}
		return LambdaResponse{
			StatusCode: 200,
			Message:    "フィード生成完了",
			Body:       buf.String(),
		}, nil

	case actionInbox:
		var buf strings.Builder
		if err := a.writeInbox(ctx, &buf, event.UserID); err != nil {
			slog.ErrorContext(ctx, "inbox failed",
				slog.String("user_id", event.UserID),
				slog.String("error", err.Error()),
			)
			return LambdaResponse{
				StatusCode: 500,
				Message:    "通知一覧の取得エラー",
			}, err
		}
		return LambdaResponse{
			StatusCode: 200,
			Message:    "通知一覧の取得完了",
			Body:       buf.String(),
		}, nil

	case actionAutoSync:
		if err := a.setAutoSync(ctx, event.UserID, event.GroupID, event.AutoSync); err != nil {
			slog.ErrorContext(ctx, "autosync update failed",
				slog.String("user_id", event.UserID),
				slog.String("group_id", event.GroupID),
				slog.String("error", err.Error()),
			)
			return LambdaResponse{
				StatusCode: 500,
				Message:    "自動同期設定の更新エラー",
			}, err
		}
		return LambdaResponse{
			StatusCode: 200,
			Message:    "自動同期設定の更新完了",
		}, nil

	default:
		return LambdaResponse{
			StatusCode: 400,
			Message:    "未知のアクションです: " + event.Action,
		}, nil
	}
}

// setupLogger LOG_LEVEL に従って JSON ロガーを既定にする
func setupLogger(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
}

// runLocal ローカル実行
//
//	main              スケジューラを起動してシグナルまで待つ
//	main reminders    リマインダーを1回送る
//	main digest       ダイジェストを1回送る
//	main import       全件を1回取り込む
//	main feed USER [YYYY-MM]  iCalendar を標準出力に書く
//	main inbox USER   アプリ内通知を JSON で標準出力に書く
//	main autosync USER GROUP on|off  グループの自動同期を切り替える
func runLocal(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		s, err := a.schedule()
		if err != nil {
			return err
		}
		return s.Start(ctx)
	}

	switch args[0] {
	case actionReminders:
		return a.runReminders(ctx, time.Now())
	case actionDigest:
		return a.runDigest(ctx, time.Now())
	case actionImport:
		_, err := a.runImport(ctx, time.Time{})
		return err
	case actionFeed:
		if len(args) < 2 {
			return fmt.Errorf("使い方: feed USER [YYYY-MM]")
		}
		month := ""
		if len(args) > 2 {
			month = args[2]
		}
		return a.writeFeed(ctx, os.Stdout, args[1], month, false)
	case actionInbox:
		if len(args) < 2 {
			return fmt.Errorf("使い方: inbox USER")
		}
		return a.writeInbox(ctx, os.Stdout, args[1])
	case actionAutoSync:
		if len(args) < 4 || (args[3] != "on" && args[3] != "off") {
			return fmt.Errorf("使い方: autosync USER GROUP on|off")
		}
		return a.setAutoSync(ctx, args[1], args[2], args[3] == "on")
	default:
		return fmt.Errorf("未知のコマンドです: %s", args[0])
	}
}

func main() {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(handler)
		return
	}
	if err := runLocal(os.Args[1:]); err != nil {
		slog.Error("failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
