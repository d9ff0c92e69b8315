package tree

// pathElement is one entry of the unique feature path of the path-dependent
// TreeSHAP algorithm (Lundberg et al., 2018, Algorithm 2).
type pathElement struct {
	feature int
	zero    float64 // fraction of cover flowing down the path when the feature is absent
	one     float64 // 1 when the sample follows the path, else 0
	weight  float64
}

// AddSHAP adds scale times the SHAP values of x under t into phi, indexed
// by feature. For every sample the values satisfy
// sum(phi) + ExpectedValue() == PredictRow(x) (times scale).
func (t *Tree) AddSHAP(x, phi []float64, scale float64) {
	if len(t.Nodes) == 0 || t.Nodes[0].Cover == 0 {
		return
	}
	t.recurse(0, x, phi, scale, nil, 1, 1, -1)
}

func (t *Tree) recurse(j int, x, phi []float64, scale float64, path []pathElement, pz, po float64, pi int) {
	path = extendPath(path, pz, po, pi)
	n := &t.Nodes[j]

	if n.IsLeaf() {
		for i := 1; i < len(path); i++ {
			w := unwoundSum(path, i)
			e := path[i]
			phi[e.feature] += scale * w * (e.one - e.zero) * n.Value
		}
		return
	}

	hot := n.next(x)
	cold := n.Left
	if hot == n.Left {
		cold = n.Right
	}

	iz, io := 1.0, 1.0
	k := 1
	for ; k < len(path); k++ {
		if path[k].feature == n.Feature {
			break
		}
	}
	if k < len(path) {
		iz, io = path[k].zero, path[k].one
		path = unwindPath(path, k)
	}

	hotCover := t.Nodes[hot].Cover / n.Cover
	coldCover := t.Nodes[cold].Cover / n.Cover
	t.recurse(hot, x, phi, scale, path, iz*hotCover, io, n.Feature)
	t.recurse(cold, x, phi, scale, path, iz*coldCover, 0, n.Feature)
}

// extendPath returns a new path with one more element; path is not modified.
func extendPath(path []pathElement, pz, po float64, pi int) []pathElement {
	l := len(path)
	m := make([]pathElement, l+1)
	copy(m, path)
	m[l] = pathElement{feature: pi, zero: pz, one: po}
	if l == 0 {
		m[l].weight = 1
	}
	for i := l - 1; i >= 0; i-- {
		m[i+1].weight += po * m[i].weight * float64(i+1) / float64(l+1)
		m[i].weight = pz * m[i].weight * float64(l-i) / float64(l+1)
	}
	return m
}

// unwindPath returns a new path with element i removed.
func unwindPath(path []pathElement, i int) []pathElement {
	l := len(path) - 1
	m := make([]pathElement, len(path))
	copy(m, path)
	one, zero := m[i].one, m[i].zero
	next := m[l].weight
	for j := l - 1; j >= 0; j-- {
		if one != 0 {
			tmp := m[j].weight
			m[j].weight = next * float64(l+1) / (float64(j+1) * one)
			next = tmp - m[j].weight*zero*float64(l-j)/float64(l+1)
		} else {
			m[j].weight = m[j].weight * float64(l+1) / (zero * float64(l-j))
		}
	}
	for j := i; j < l; j++ {
		m[j].feature = m[j+1].feature
		m[j].zero = m[j+1].zero
		m[j].one = m[j+1].one
	}
	return m[:l]
}

// unwoundSum is the total weight of the path after removing element i.
func unwoundSum(path []pathElement, i int) float64 {
	l := len(path) - 1
	one, zero := path[i].one, path[i].zero
	next := path[l].weight
	var total float64
	for j := l - 1; j >= 0; j-- {
		if one != 0 {
			tmp := next * float64(l+1) / (float64(j+1) * one)
			total += tmp
			next = path[j].weight - tmp*zero*float64(l-j)/float64(l+1)
		} else if zero != 0 {
			total += path[j].weight / zero * float64(l+1) / float64(l-j)
		}
	}
	return total
}
