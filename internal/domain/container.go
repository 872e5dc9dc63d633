package domain

// ContainerKind コンテナの種別
type ContainerKind int

const (
	ContainerUser ContainerKind = iota + 1
	ContainerGroup
)

func (k ContainerKind) String() string {
	switch k {
	case ContainerUser:
		return "user"
	case ContainerGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Container イベントやカレンダーを保持する主体（ユーザーまたはグループ）
type Container struct {
	Kind ContainerKind
	ID   string
	Name string
}

// IsGroup グループかどうか
func (c Container) IsGroup() bool {
	return c.Kind == ContainerGroup
}

// UserContainer ユーザーのコンテナを作成
func UserContainer(u *User) Container {
	return Container{Kind: ContainerUser, ID: u.ID, Name: u.Name}
}

// GroupContainer グループのコンテナを作成
func GroupContainer(g *Group) Container {
	return Container{Kind: ContainerGroup, ID: g.ID, Name: g.Name}
}

// Group グループ
type Group struct {
	ID   string
	Name string
}

// Calendar ユーザー（またはコンテナ）ごとのイベント参照の集合
type Calendar struct {
	ID       string
	Owner    Container
	EventIDs []string
}

// Has イベントを保持しているか
func (c *Calendar) Has(eventID string) bool {
	for _, id := range c.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// Add イベントを追加する。既にあれば何もしない
func (c *Calendar) Add(eventID string) bool {
	if c.Has(eventID) {
		return false
	}
	c.EventIDs = append(c.EventIDs, eventID)
	return true
}
