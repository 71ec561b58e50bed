package scoring

import (
	"slices"

	"github.com/blitzboard/blitzboard/internal/domain"
)

// Less reports whether a sorts strictly before b in a leaderboard governed
// by tpl: better hidden score first, then whoever achieved it first.
func Less(tpl *domain.Template, a, b domain.ScoreRecord) bool {
	if a.HiddenScore != b.HiddenScore {
		return tpl.Better(a.HiddenScore, b.HiddenScore)
	}
	return a.Sequence < b.Sequence
}

// Rank orders the records of one game and assigns ranks. With AllowTies,
// equal hidden scores share a rank and the next distinct score skips
// accordingly; otherwise ranks run 1..N.
func Rank(records []domain.ScoreRecord, tpl *domain.Template) []domain.RankedRecord {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b domain.ScoreRecord) int {
		switch {
		case Less(tpl, a, b):
			return -1
		case Less(tpl, b, a):
			return 1
		}
		return 0
	})

	ranked := make([]domain.RankedRecord, len(sorted))
	for i, rec := range sorted {
		rank := int64(i + 1)
		if tpl.AllowTies && i > 0 && rec.HiddenScore == sorted[i-1].HiddenScore {
			rank = ranked[i-1].Rank
		}
		ranked[i] = domain.RankedRecord{Record: rec, Rank: rank}
	}
	return ranked
}

// RankOf computes the rank target would get from Rank without sorting.
func RankOf(records []domain.ScoreRecord, target domain.ScoreRecord, tpl *domain.Template) int64 {
	var ahead int64
	for _, rec := range records {
		if rec.PlayerID == target.PlayerID && rec.GameID == target.GameID {
			continue
		}
		if tpl.AllowTies {
			if tpl.Better(rec.HiddenScore, target.HiddenScore) {
				ahead++
			}
		} else if Less(tpl, rec, target) {
			ahead++
		}
	}
	return ahead + 1
}
