// Package i18n 通知文言のメッセージカタログ
//
// 文言は fmt の書式で、引数は %[1]s のように位置指定で参照する。
// 位置指定を使えば翻訳ごとに引数を並べ替えたり省いたりできる。
package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var locales embed.FS

// DefaultLocale ロケール未指定時に使う言語
const DefaultLocale = "ja"

// Catalog キーから文言を引く
type Catalog struct {
	locale   string
	messages map[string]string
}

// Load 組み込みのロケールを読み込み、overridePath があればその内容で上書きする
//
// 未知のロケールは DefaultLocale にフォールバックする。
func Load(locale, overridePath string) (*Catalog, error) {
	if locale == "" {
		locale = DefaultLocale
	}
	messages, err := readEmbedded(locale)
	if errors.Is(err, fs.ErrNotExist) {
		locale = DefaultLocale
		messages, err = readEmbedded(locale)
	}
	if err != nil {
		return nil, err
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("メッセージファイルの読み込みに失敗しました: %w", err)
		}
		overrides, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", overridePath, err)
		}
		for k, v := range overrides {
			messages[k] = v
		}
	}
	return &Catalog{locale: locale, messages: messages}, nil
}

func readEmbedded(locale string) (map[string]string, error) {
	data, err := locales.ReadFile("locales/" + locale + ".yaml")
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (map[string]string, error) {
	messages := map[string]string{}
	if err := yaml.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("メッセージカタログの解析に失敗しました: %w", err)
	}
	return messages, nil
}

// Locale 読み込んだロケール
func (c *Catalog) Locale() string {
	return c.locale
}

// Translate key の文言に args を埋め込む。未登録のキーはそのまま返す
func (c *Catalog) Translate(key string, args ...any) string {
	format, ok := c.messages[key]
	if !ok {
		return key
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
