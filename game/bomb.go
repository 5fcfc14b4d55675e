package game

// Bomb 一颗已放置的炸弹。id 在整局内单调递增
type Bomb struct {
	ID       int
	Position Point
	Strength int
	OwnerID  int // 放置者的玩家 id

	Detonated bool

	cells []Point // 爆炸范围备忘，只算一次
}

// BlastCells 计算爆炸覆盖的格子集合（含自身），结果按炸弹缓存。
//
// 四个方向独立向外扩展，每级火力一格：
//   - 越界或永久柱子：停止，且柱子不进集合
//   - 未翻开的可炸格：进集合，但火焰不穿透迷雾，停止
//   - 已翻开的可炸格：进集合，继续扩展
func (b *Bomb) BlastCells(g *Grid) []Point {
	if b.cells != nil {
		return b.cells
	}
	cells := []Point{b.Position}

	checkRight, checkLeft, checkUp, checkDown := true, true, true, true
	for i := 1; i <= b.Strength; i++ {
		if checkRight {
			t := g.Tile(b.Position.X+i, b.Position.Y)
			checkRight = t != nil && t.Explored && t.Destroyable
			if t != nil && t.Destroyable {
				cells = append(cells, t.Position)
			}
		}
		if checkLeft {
			t := g.Tile(b.Position.X-i, b.Position.Y)
			checkLeft = t != nil && t.Explored && t.Destroyable
			if t != nil && t.Destroyable {
				cells = append(cells, t.Position)
			}
		}
		if checkUp {
			t := g.Tile(b.Position.X, b.Position.Y-i)
			checkUp = t != nil && t.Explored && t.Destroyable
			if t != nil && t.Destroyable {
				cells = append(cells, t.Position)
			}
		}
		if checkDown {
			t := g.Tile(b.Position.X, b.Position.Y+i)
			checkDown = t != nil && t.Explored && t.Destroyable
			if t != nil && t.Destroyable {
				cells = append(cells, t.Position)
			}
		}
	}

	b.cells = cells
	return cells
}
