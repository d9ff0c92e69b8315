package training

import (
	"math"
	"math/rand/v2"
	"sort"
)

// splitIndices returns shuffled train and test row indices with exactly
// int(n*testSize) test rows. When groups is non-nil every group keeps its
// share of test rows; stratified is false when that is impossible and the
// plain random split was used instead.
func splitIndices(rng *rand.Rand, n int, testSize float64, groups []string) (train, test []int, stratified bool) {
	nTest := int(float64(n) * testSize)
	if groups != nil {
		if train, test, ok := stratifiedSplit(rng, n, nTest, groups); ok {
			return train, test, true
		}
	}
	perm := rng.Perm(n)
	return perm[nTest:], perm[:nTest], false
}

// stratifiedSplit allocates test rows per group by largest remainder so the
// total matches nTest.
func stratifiedSplit(rng *rand.Rand, n, nTest int, groups []string) (train, test []int, ok bool) {
	byGroup := map[string][]int{}
	var keys []string
	for i, g := range groups {
		if _, seen := byGroup[g]; !seen {
			keys = append(keys, g)
		}
		byGroup[g] = append(byGroup[g], i)
	}
	sort.Strings(keys)

	type share struct {
		key  string
		take int
		frac float64
	}
	shares := make([]share, len(keys))
	assigned := 0
	for i, k := range keys {
		size := len(byGroup[k])
		if size < 2 {
			return nil, nil, false
		}
		exact := float64(nTest) * float64(size) / float64(n)
		take := int(math.Floor(exact))
		shares[i] = share{key: k, take: take, frac: exact - float64(take)}
		assigned += take
	}

	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return shares[order[a]].frac > shares[order[b]].frac
	})
	for _, i := range order {
		if assigned >= nTest {
			break
		}
		if shares[i].take < len(byGroup[shares[i].key])-1 {
			shares[i].take++
			assigned++
		}
	}
	if assigned != nTest {
		return nil, nil, false
	}

	for _, s := range shares {
		rows := append([]int(nil), byGroup[s.key]...)
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		test = append(test, rows[:s.take]...)
		train = append(train, rows[s.take:]...)
	}
	if len(train) == 0 || len(test) == 0 {
		return nil, nil, false
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })
	return train, test, true
}
