package arena

import (
	"github.com/swgillespie/apollo/tourney/pkg/match"
)

// Pairing describes a batch of games between two commands.
type Pairing struct {
	Engine1 []string
	Engine2 []string
	Games   int

	// Game i of the batch gets id FirstID+i and seed BaseSeed+i. Ids must
	// be unique within a run; seeds may repeat across batches.
	BaseSeed int64
	FirstID  int

	// SwapSides makes Engine2 play first on every odd game of the batch so
	// that first-move advantage cancels out.
	SwapSides bool
}

// Engine1Side is the side (1 or 2) Engine1 plays in the i-th game of the
// batch.
func (p Pairing) Engine1Side(i int) int {
	if p.SwapSides && i%2 == 1 {
		return 2
	}
	return 1
}

// Schedule expands the pairing into games.
func (p Pairing) Schedule() []match.Game {
	games := make([]match.Game, 0, p.Games)
	for i := 0; i < p.Games; i++ {
		id := p.FirstID + i
		game := match.Game{
			ID:   id,
			Seed: p.BaseSeed + int64(i),
			P1:   p.Engine1,
			P2:   p.Engine2,
		}
		if p.Engine1Side(i) == 2 {
			game.P1, game.P2 = p.Engine2, p.Engine1
		}
		games = append(games, game)
	}
	return games
}
