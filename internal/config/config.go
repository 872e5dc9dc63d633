package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
)

// SSMParameterGetter Parameter Store からの取得を抽象化する
type SSMParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Config アプリケーション設定構造体
type Config struct {
	// ストレージ
	DatabasePath   string
	MemberPageSize int

	// 表示・ログ
	LogLevel     string
	Timezone     string
	Locale       string
	MessagesPath string

	// リマインダー
	ReminderCron     string
	ReminderLead     time.Duration
	ReminderInterval time.Duration
	FanoutWorkers    int

	// 本日・翌日の予定のダイジェスト（DIGEST_GROUP_ID が空なら無効）
	DigestGroupID string
	DigestCron    string

	// Google Calendar 取り込み（IMPORT_GROUP_ID が空なら無効）
	GoogleCredentials string
	CalendarID        string
	ImportGroupID     string
	ImportOwnerID     string
	ImportCron        string

	// LINE API設定
	LineChannelAccessToken string

	// AWS関連（本番環境でのみ使用）
	ssmClient SSMParameterGetter
}

// ImportEnabled Google Calendar からの取り込みが設定されているか
func (c *Config) ImportEnabled() bool {
	return c.ImportGroupID != ""
}

// Location Timezone を読み込む。不正なら UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("invalid timezone, falling back to UTC",
			slog.String("timezone", c.Timezone),
			slog.String("error", err.Error()),
		)
		return time.UTC
	}
	return loc
}

// SlogLevel LogLevel を slog.Level に変換する
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load 環境に応じて設定を読み込み
func Load(ctx context.Context) (*Config, error) {
	// AWS Lambda環境かどうか判定
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return loadAWSConfig(ctx)
	}
	return loadLocalConfig()
}

// loadCommon 機密情報以外の設定を環境変数から読み込み
func loadCommon() *Config {
	return &Config{
		DatabasePath:     getEnvOrDefault("DATABASE_PATH", "calendar.db"),
		MemberPageSize:   getEnvInt("MEMBER_PAGE_SIZE", 200),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "INFO"),
		Timezone:         getEnvOrDefault("TIMEZONE", "Asia/Tokyo"),
		Locale:           getEnvOrDefault("LOCALE", "ja"),
		MessagesPath:     getEnvOrDefault("MESSAGES_PATH", ""),
		ReminderCron:     getEnvOrDefault("REMINDER_CRON", "*/15 * * * *"),
		ReminderLead:     time.Duration(getEnvInt("REMINDER_LEAD_MINUTES", 60)) * time.Minute,
		ReminderInterval: time.Duration(getEnvInt("REMINDER_INTERVAL_MINUTES", 15)) * time.Minute,
		FanoutWorkers:    getEnvInt("FANOUT_WORKERS", 4),
		DigestGroupID:    getEnvOrDefault("DIGEST_GROUP_ID", ""),
		DigestCron:       getEnvOrDefault("DIGEST_CRON", "0 7 * * *"),
		CalendarID:       getEnvOrDefault("CALENDAR_ID", "primary"),
		ImportGroupID:    getEnvOrDefault("IMPORT_GROUP_ID", ""),
		ImportOwnerID:    getEnvOrDefault("IMPORT_OWNER_ID", ""),
		ImportCron:       getEnvOrDefault("IMPORT_CRON", "0 * * * *"),
	}
}

// loadLocalConfig ローカル開発環境用の設定読み込み
func loadLocalConfig() (*Config, error) {
	// .envファイルを読み込み（存在する場合のみ）
	if err := godotenv.Load(); err != nil {
		// .envファイルが存在しない場合はエラーにしない
		slog.Debug(".env file not loaded", slog.String("error", err.Error()))
	}

	cfg := loadCommon()
	cfg.GoogleCredentials = getEnvOrDefault("GOOGLE_CREDENTIALS", "")
	cfg.LineChannelAccessToken = getEnvOrDefault("LINE_CHANNEL_ACCESS_TOKEN", "")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAWSConfig AWS Lambda環境用の設定読み込み
func loadAWSConfig(ctx context.Context) (*Config, error) {
	// AWS設定を初期化
	awsConfig, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("AWS設定の読み込みに失敗しました: %w", err)
	}

	cfg := loadCommon()
	cfg.ssmClient = ssm.NewFromConfig(awsConfig)

	// Parameter Storeから機密情報を取得
	if err := cfg.loadFromParameterStore(ctx); err != nil {
		return nil, fmt.Errorf("parameter Storeからの設定読み込みに失敗しました: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 必須設定項目の確認
func (c *Config) validate() error {
	if c.LineChannelAccessToken == "" {
		return fmt.Errorf("LINE_CHANNEL_ACCESS_TOKEN環境変数が設定されていません")
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL_MINUTES は正の値にしてください")
	}
	if c.ImportEnabled() {
		if c.GoogleCredentials == "" {
			return fmt.Errorf("GOOGLE_CREDENTIALS環境変数が設定されていません")
		}
		if c.ImportOwnerID == "" {
			return fmt.Errorf("IMPORT_OWNER_ID環境変数が設定されていません")
		}
	}
	return nil
}

// loadFromParameterStore Parameter Storeから機密情報を読み込み
func (c *Config) loadFromParameterStore(ctx context.Context) error {
	// LINE Channel Access Tokenを取得
	lineTokenParam := getEnvOrDefault("LINE_CHANNEL_ACCESS_TOKEN_PARAM", "/group-calendar-notifier/line-channel-access-token")
	lineToken, err := c.getParameter(ctx, lineTokenParam, true)
	if err != nil {
		return fmt.Errorf("LINE Channel Access Tokenの取得に失敗しました: %w", err)
	}
	c.LineChannelAccessToken = lineToken

	// 取り込みを使う場合のみGoogle認証情報を取得
	if !c.ImportEnabled() {
		return nil
	}
	googleCredsParam := getEnvOrDefault("GOOGLE_CREDS_PARAM", "/group-calendar-notifier/google-creds")
	googleCreds, err := c.getParameter(ctx, googleCredsParam, true)
	if err != nil {
		return fmt.Errorf("google認証情報の取得に失敗しました: %w", err)
	}
	c.GoogleCredentials = googleCreds
	return nil
}

// getParameter Parameter Storeから指定されたパラメータを取得
func (c *Config) getParameter(ctx context.Context, paramName string, withDecryption bool) (string, error) {
	input := &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(withDecryption),
	}

	result, err := c.ssmClient.GetParameter(ctx, input)
	if err != nil {
		return "", fmt.Errorf("パラメータ %s の取得に失敗しました: %w", paramName, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil || *result.Parameter.Value == "" {
		return "", fmt.Errorf("パラメータ %s が空の値です", paramName)
	}

	return *result.Parameter.Value, nil
}

// GoogleCredentialsJSON Google認証情報をJSONとして検証して返す
func (c *Config) GoogleCredentialsJSON() ([]byte, error) {
	data := []byte(c.GoogleCredentials)
	if !json.Valid(data) {
		return nil, fmt.Errorf("google認証情報のJSON解析に失敗しました")
	}
	return data, nil
}

// getEnvOrDefault 環境変数を取得し、存在しない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 整数の環境変数。解析できなければデフォルト値
func getEnvInt(key string, defaultValue int) int {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using default",
			slog.String("key", key),
			slog.String("value", raw),
			slog.Int("default", defaultValue),
		)
		return defaultValue
	}
	return v
}
