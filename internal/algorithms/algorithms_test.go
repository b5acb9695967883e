package algorithms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevenLi8888/simple-load-balancer/internal/model"
)

func instances(ids ...string) []*model.Instance {
	out := make([]*model.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.Instance{ID: id, Weight: 1})
	}
	return out
}

func TestNewForTypeRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewForType(model.Algorithm("bogus"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestRoundRobinCyclesAcrossCalls(t *testing.T) {
	algo, err := NewForType(model.RoundRobin)
	require.NoError(t, err)

	set := instances("a", "b", "c")
	first, err := algo.Select(set, "")
	require.NoError(t, err)
	second, err := algo.Select(set, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestRoundRobinEmptySetReturnsErrNoInstances(t *testing.T) {
	algo, _ := NewForType(model.RoundRobin)
	_, err := algo.Select(nil, "")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestIPHashIsDeterministicForSameClient(t *testing.T) {
	algo, _ := NewForType(model.IPHash)
	set := instances("a", "b", "c", "d")

	first, err := algo.Select(set, "10.0.0.5")
	require.NoError(t, err)
	second, err := algo.Select(set, "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestIPHashRequiresClientIP(t *testing.T) {
	algo, _ := NewForType(model.IPHash)
	_, err := algo.Select(instances("a"), "")
	assert.ErrorIs(t, err, ErrMissingClientIP)
}

func TestLeastConnectionPicksLeastLoadedAndReleases(t *testing.T) {
	lc := &leastConnection{conns: make(map[string]int)}
	set := instances("a", "b")

	first, err := lc.Select(set, "")
	require.NoError(t, err)
	assert.Equal(t, 1, lc.Count(first.ID))

	second, err := lc.Select(set, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "second select should pick the still-idle instance")

	lc.Release(first.ID)
	assert.Equal(t, 0, lc.Count(first.ID))
}

func TestLeastConnectionReleaseNeverGoesNegative(t *testing.T) {
	lc := &leastConnection{conns: make(map[string]int)}
	lc.Release("never-selected")
	assert.Equal(t, 0, lc.Count("never-selected"))
}

func TestWeightedRoundRobinFavorsHigherWeight(t *testing.T) {
	algo, _ := NewForType(model.WeightedRoundRobin)
	heavy := &model.Instance{ID: "heavy", Weight: 3}
	light := &model.Instance{ID: "light", Weight: 1}
	set := []*model.Instance{heavy, light}

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		inst, err := algo.Select(set, "")
		require.NoError(t, err)
		counts[inst.ID]++
	}

	assert.Greater(t, counts["heavy"], counts["light"])
}
