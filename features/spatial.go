package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// centroid is a region centroid projected onto an equirectangular plane,
// so squared Euclidean distance approximates geographic proximity.
type centroid struct {
	x, y float64
	row  int
}

func (c centroid) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	q := o.(centroid)
	if d == 0 {
		return c.x - q.x
	}
	return c.y - q.y
}

func (c centroid) Dims() int { return 2 }

func (c centroid) Distance(o kdtree.Comparable) float64 {
	q := o.(centroid)
	dx, dy := c.x-q.x, c.y-q.y
	return dx*dx + dy*dy
}

func (c centroid) coord(d kdtree.Dim) float64 {
	if d == 0 {
		return c.x
	}
	return c.y
}

type centroids []centroid

func (p centroids) Index(i int) kdtree.Comparable         { return p[i] }
func (p centroids) Len() int                              { return len(p) }
func (p centroids) Pivot(d kdtree.Dim) int                { return plane{Dim: d, centroids: p}.Pivot() }
func (p centroids) Slice(start, end int) kdtree.Interface { return p[start:end] }

type plane struct {
	kdtree.Dim
	centroids
}

func (p plane) Less(i, j int) bool { return p.centroids[i].coord(p.Dim) < p.centroids[j].coord(p.Dim) }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.centroids = p.centroids[start:end]
	return p
}
func (p plane) Swap(i, j int) { p.centroids[i], p.centroids[j] = p.centroids[j], p.centroids[i] }

// neighbourIndex answers k-nearest-neighbour queries over region centroids.
type neighbourIndex struct {
	tree   *kdtree.Tree
	points []centroid
}

// newNeighbourIndex indexes the rows with finite coordinates.
func newNeighbourIndex(lat, lon []float64) (*neighbourIndex, error) {
	if len(lat) != len(lon) {
		return nil, errors.NewSpatialFeatureError("coordinate columns differ in length",
			errors.NewDimensionError("newNeighbourIndex", len(lat), len(lon), 0))
	}

	var sumLat float64
	var n int
	for i := range lat {
		if usable(lat[i], lon[i]) {
			sumLat += lat[i]
			n++
		}
	}
	if n < 2 {
		return nil, errors.NewSpatialFeatureError("fewer than two records have a usable centroid", nil)
	}
	cosLat := math.Cos(sumLat / float64(n) * math.Pi / 180)

	points := make([]centroid, 0, n)
	for i := range lat {
		if usable(lat[i], lon[i]) {
			points = append(points, centroid{x: lon[i] * cosLat, y: lat[i], row: i})
		}
	}
	// kdtree.New reorders its input, keep our own copy for lookups.
	build := append(centroids(nil), points...)
	return &neighbourIndex{tree: kdtree.New(build, false), points: points}, nil
}

func usable(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) && !math.IsInf(lat, 0) && !math.IsInf(lon, 0) &&
		lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// nearest returns the rows of the k nearest centroids to p, excluding p's
// own row, ordered by distance then row.
func (ix *neighbourIndex) nearest(p centroid, k int) []int {
	keeper := kdtree.NewNKeeper(k + 1)
	ix.tree.NearestSet(keeper, p)

	found := make([]kdtree.ComparableDist, 0, len(keeper.Heap))
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		if cd.Comparable.(centroid).row == p.row {
			continue
		}
		found = append(found, cd)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Dist != found[j].Dist {
			return found[i].Dist < found[j].Dist
		}
		return found[i].Comparable.(centroid).row < found[j].Comparable.(centroid).row
	})
	if len(found) > k {
		found = found[:k]
	}
	rows := make([]int, len(found))
	for i, cd := range found {
		rows[i] = cd.Comparable.(centroid).row
	}
	return rows
}

// spatialLag computes, for every row with a usable centroid, the mean of
// values over its k nearest neighbours, ignoring NaN neighbour values.
// Rows without a centroid, or whose neighbours are all NaN, get NaN.
func (ix *neighbourIndex) spatialLag(values []float64, k int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	for _, p := range ix.points {
		var sum float64
		var n int
		for _, r := range ix.nearest(p, k) {
			if v := values[r]; !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n > 0 {
			out[p.row] = sum / float64(n)
		}
	}
	return out
}
