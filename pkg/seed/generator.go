package seed

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Generator produces the synthetic rows in CopyFrom column order.
type Generator struct {
	cfg  Config
	rng  *rand.Rand
	days int
}

// NewGenerator creates a generator seeded from cfg.Seed.
func NewGenerator(cfg Config) *Generator {
	return &Generator{
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		days: int(cfg.End.Sub(cfg.Start).Hours() / 24),
	}
}

// Users returns rows of (id, email, full_name).
func (g *Generator) Users() [][]any {
	rows := make([][]any, g.cfg.Users)
	for i := range rows {
		id := i + 1
		rows[i] = []any{int32(id), fmt.Sprintf("user%d@example.com", id), fmt.Sprintf("User %d", id)}
	}
	return rows
}

// Products returns rows of (id, name).
func (g *Generator) Products() [][]any {
	rows := make([][]any, g.cfg.Products)
	for i := range rows {
		id := i + 1
		rows[i] = []any{int32(id), fmt.Sprintf("Product %d", id)}
	}
	return rows
}

// Orders returns n rows of (date, product_id, quantity, amount, user_id).
func (g *Generator) Orders(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{
			g.cfg.Start.AddDate(0, 0, g.rng.IntN(g.days)),
			int32(g.rng.IntN(g.cfg.Products) + 1),
			int32(g.rng.IntN(10) + 1),
			math.Round((10+g.rng.Float64()*990)*100) / 100,
			int32(g.rng.IntN(g.cfg.Users) + 1),
		}
	}
	return rows
}
