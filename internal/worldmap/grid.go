package worldmap

// Rect is an axis-aligned rectangle in world pixels.
type Rect struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Contains reports whether the point lies inside the rectangle.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

const (
	tileSize   = 32.0
	mapTilesW  = 40
	mapTilesH  = 30
	playerHalf = 16.0
)

// Grid is the collision collaborator: world bounds plus solid rectangles.
// The source format of map data is out of scope; rooms receive a ready grid.
type Grid struct {
	bounds    Rect
	obstacles []Rect
}

// New constructs a grid with explicit bounds and solids.
func New(bounds Rect, obstacles []Rect) *Grid {
	return &Grid{bounds: bounds, obstacles: append([]Rect(nil), obstacles...)}
}

// Default returns the standard 40x30 tile arena with a few interior walls.
func Default() *Grid {
	bounds := Rect{MinX: 0, MinY: 0, MaxX: mapTilesW * tileSize, MaxY: mapTilesH * tileSize}
	obstacles := []Rect{
		{MinX: 10 * tileSize, MinY: 8 * tileSize, MaxX: 14 * tileSize, MaxY: 9 * tileSize},
		{MinX: 26 * tileSize, MinY: 8 * tileSize, MaxX: 30 * tileSize, MaxY: 9 * tileSize},
		{MinX: 18 * tileSize, MinY: 14 * tileSize, MaxX: 22 * tileSize, MaxY: 18 * tileSize},
		{MinX: 10 * tileSize, MinY: 22 * tileSize, MaxX: 14 * tileSize, MaxY: 23 * tileSize},
		{MinX: 26 * tileSize, MinY: 22 * tileSize, MaxX: 30 * tileSize, MaxY: 23 * tileSize},
	}
	return New(bounds, obstacles)
}

// Bounds returns the playable rectangle.
func (g *Grid) Bounds() Rect {
	return g.bounds
}

// Obstacles returns a copy of the solid rectangles.
func (g *Grid) Obstacles() []Rect {
	return append([]Rect(nil), g.obstacles...)
}

// IsWalkable reports whether a player centered at (x, y) fits inside the
// bounds without overlapping a solid. The player collision half-extent is
// fixed at 16px to match the client sprite.
func (g *Grid) IsWalkable(x, y float64) bool {
	if x-playerHalf < g.bounds.MinX || x+playerHalf > g.bounds.MaxX {
		return false
	}
	if y-playerHalf < g.bounds.MinY || y+playerHalf > g.bounds.MaxY {
		return false
	}
	for _, obs := range g.obstacles {
		if x+playerHalf > obs.MinX && x-playerHalf < obs.MaxX &&
			y+playerHalf > obs.MinY && y-playerHalf < obs.MaxY {
			return false
		}
	}
	return true
}
