package usecase

import "github.com/k-negishi/group-calendar-notifier/internal/domain"

// EnabledChannels ユーザーが通知種別ごとに有効にしている配送チャネル
//
// 明示的に無効化されていないチャネルはすべて有効。
func EnabledChannels(user *domain.User, notification string, registered []string) []string {
	if user == nil {
		return nil
	}
	channels := make([]string, 0, len(registered))
	for _, ch := range registered {
		if user.Preferences.Enabled(ch, notification) {
			channels = append(channels, ch)
		}
	}
	return channels
}
