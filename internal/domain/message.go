package domain

// Message 1ユーザーに送る通知
//
// ContextID は通知の文脈となるコンテナ（ユーザーまたはグループ）。
// EntityID は返信用に紐づけるエンティティで、コメント不可なら空。
type Message struct {
	UserID    string
	ContextID string
	Subject   string
	Body      string
	EntityID  string
	Channels  []string
}
