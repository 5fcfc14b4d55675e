package game

// Player 一名参战玩家的权威状态。id 在整局内稳定不变；
// Alive 置 false 后本局不再复活
type Player struct {
	ID    int
	Name  string
	Color Color

	Position     Point
	MaxBombs     int
	BombStrength int
	BombsPlaced  int
	Kills        int
	Alive        bool

	// SecondsInvincible 无敌剩余秒数，>0 期间免疫火焰
	SecondsInvincible int

	// Connected 连接断开后置 false，状态冻结但保留在名单里
	Connected bool
}

func newPlayer(id int, name string, pos Point, color Color) *Player {
	return &Player{
		ID:           id,
		Name:         name,
		Color:        color,
		Position:     pos,
		MaxBombs:     1,
		BombStrength: 1,
		Alive:        true,
		Connected:    true,
	}
}

// Invincible 当前是否处于无敌状态
func (p *Player) Invincible() bool {
	return p.SecondsInvincible > 0
}
