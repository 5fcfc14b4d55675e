package game

import "math/rand"

// PowerUp 格子里藏的道具类型
type PowerUp int

const (
	PowerUpNone PowerUp = iota
	PowerUpExtraBomb
	PowerUpBombStrength
	PowerUpInvincibility
)

// Point 格子坐标
type Point struct {
	X, Y int
}

// Color 玩家颜色（广播给客户端渲染用）
type Color struct {
	R, G, B uint8
}

// Tile 单个格子的权威状态
//
// Explored 是单向的战争迷雾标志：false→true 之后永不回退。
// FireOwners 按炸弹 id 引用计数：集合非空表示格子正在燃烧，
// 两颗炸弹可以同时认领同一格
type Tile struct {
	Position    Point
	Destroyable bool // false = 永久柱子，不可炸
	Explored    bool
	HasBomb     bool
	PowerUp     PowerUp
	FireOwners  map[int]struct{}
}

// OnFire 格子当前是否在燃烧
func (t *Tile) OnFire() bool {
	return len(t.FireOwners) > 0
}

// AddFire 登记一颗炸弹对该格的火焰认领
func (t *Tile) AddFire(bombID int) {
	if t.FireOwners == nil {
		t.FireOwners = make(map[int]struct{})
	}
	t.FireOwners[bombID] = struct{}{}
}

// RemoveFire 撤销认领；带 contains 检查，重复调用无副作用。
// 返回值表示这次撤销之后火是否已完全熄灭
func (t *Tile) RemoveFire(bombID int) bool {
	if _, ok := t.FireOwners[bombID]; ok {
		delete(t.FireOwners, bombID)
	}
	return len(t.FireOwners) == 0
}

// Grid 地图：宽×高的格子数组，一局生成一次
type Grid struct {
	Width, Height int

	cells []*Tile

	spawnPositions []Point
	colors         []Color
	rng            *rand.Rand
}

// NewGrid 生成棋盘格地图：奇数行且奇数列的位置是永久柱子，
// 其余格子可炸且初始处于迷雾中；角落 L 形和四边中点预先翻开，
// 保证出生点公平且不会被困死
func NewGrid(width, height int, rng *rand.Rand) *Grid {
	g := &Grid{
		Width:  width,
		Height: height,
		cells:  make([]*Tile, width*height),
		rng:    rng,
	}

	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			destroyable := !(x%2 == 1 && y%2 == 1)
			g.cells[y*width+x] = &Tile{
				Position:    Point{x, y},
				Destroyable: destroyable,
			}
		}
	}

	g.uncoverSpawnLocations()

	// 出生点：四角 + 四边中点，随机发放且不重复
	g.spawnPositions = []Point{
		{0, 0},
		{width/2 - 1, 0},
		{width - 1, 0},
		{0, height/2 - 1},
		{width - 1, height/2 - 1},
		{0, height - 1},
		{width/2 - 1, height - 1},
		{width - 1, height - 1},
	}
	g.colors = []Color{
		{255, 0, 0},     // red
		{0, 255, 255},   // cyan
		{255, 165, 0},   // orange
		{255, 255, 0},   // yellow
		{144, 238, 144}, // light green
		{240, 128, 128}, // light coral
		{255, 0, 255},   // magenta
		{255, 255, 255}, // white
	}
	return g
}

// SeedPowerUps 在未翻开的可炸格子里按概率埋道具。
// 1..7 掷骰：≤3 火力、≤6 加弹、否则无敌
func (g *Grid) SeedPowerUps(chancePercent int) {
	for x := 0; x < g.Width; x++ {
		for y := 0; y < g.Height; y++ {
			if g.rng.Intn(100) >= chancePercent {
				continue
			}
			tile := g.Tile(x, y)
			if tile.Explored || !tile.Destroyable {
				continue
			}
			switch roll := g.rng.Intn(7) + 1; {
			case roll <= 3:
				tile.PowerUp = PowerUpBombStrength
			case roll <= 6:
				tile.PowerUp = PowerUpExtraBomb
			default:
				tile.PowerUp = PowerUpInvincibility
			}
		}
	}
}

func (g *Grid) uncoverSpawnLocations() {
	w, h := g.Width, g.Height
	corners := []Point{
		{0, 0}, {1, 0}, {0, 1},
		{w - 1, 0}, {w - 2, 0}, {w - 1, 1},
		{0, h - 1}, {1, h - 1}, {0, h - 2},
		{w - 1, h - 1}, {w - 2, h - 1}, {w - 1, h - 2},
	}
	midpoints := []Point{
		{w/2 - 1, 0}, {w / 2, 0}, {w/2 + 1, 0},
		{w/2 - 1, h - 1}, {w / 2, h - 1}, {w/2 + 1, h - 1},
		{0, h/2 - 1}, {0, h / 2}, {0, h/2 + 1},
		{w - 1, h/2 - 1}, {w - 1, h / 2}, {w - 1, h/2 + 1},
	}
	for _, p := range append(corners, midpoints...) {
		g.Explore(p.X, p.Y)
	}
}

// InBounds 坐标是否在地图内
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.Width && y < g.Height
}

// Tile 取格子；越界返回 nil
func (g *Grid) Tile(x, y int) *Tile {
	if !g.InBounds(x, y) {
		return nil
	}
	return g.cells[y*g.Width+x]
}

// Explore 翻开格子（单向，不可逆）
func (g *Grid) Explore(x, y int) {
	if t := g.Tile(x, y); t != nil {
		t.Explored = true
	}
}

// CanMove 格子是否可走：在界内、已翻开、非柱子、没有炸弹
func (g *Grid) CanMove(x, y int) bool {
	t := g.Tile(x, y)
	return t != nil && t.Explored && t.Destroyable && !t.HasBomb
}

// OnFire 指定位置是否在燃烧
func (g *Grid) OnFire(p Point) bool {
	t := g.Tile(p.X, p.Y)
	return t != nil && t.OnFire()
}

// TakeSpawnPosition 随机领取一个未用过的出生点
func (g *Grid) TakeSpawnPosition() Point {
	i := g.rng.Intn(len(g.spawnPositions))
	p := g.spawnPositions[i]
	g.spawnPositions = append(g.spawnPositions[:i], g.spawnPositions[i+1:]...)
	return p
}

// TakeColor 随机领取一个未用过的玩家颜色
func (g *Grid) TakeColor() Color {
	i := g.rng.Intn(len(g.colors))
	c := g.colors[i]
	g.colors = append(g.colors[:i], g.colors[i+1:]...)
	return c
}
