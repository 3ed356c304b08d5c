package transop

import (
	"sync"

	"github.com/sbl8/ffts/model"
)

var (
	perm4Formats = []model.Format{model.FormatNCHW, model.FormatNHWC, model.FormatHWCN, model.FormatCHWN}
	perm5Formats = []model.Format{model.FormatNCDHW, model.FormatNDHWC, model.FormatDHWCN, model.FormatDHWNC}

	permOnce sync.Once
	perm4    [4][4][]int64
	perm5    [4][4][]int64
)

// derivePerm returns p with dst[i] = src[p[i]] over axis letters.
func derivePerm(src, dst string) []int64 {
	p := make([]int64, len(dst))
	for i := 0; i < len(dst); i++ {
		for j := 0; j < len(src); j++ {
			if src[j] == dst[i] {
				p[i] = int64(j)
			}
		}
	}
	return p
}

func buildPerms() {
	for i, s := range perm4Formats {
		for j, d := range perm4Formats {
			perm4[i][j] = derivePerm(axisLetters[s], axisLetters[d])
		}
	}
	for i, s := range perm5Formats {
		for j, d := range perm5Formats {
			perm5[i][j] = derivePerm(axisLetters[s], axisLetters[d])
		}
	}
}

func formatIndex(list []model.Format, f model.Format) int {
	for i, x := range list {
		if x == f {
			return i
		}
	}
	return -1
}

// Permutation returns the transpose order taking src to dst. Pairs outside
// one spatial family have no direct transpose and report false.
func Permutation(src, dst model.Format) ([]int64, bool) {
	permOnce.Do(buildPerms)
	if i, j := formatIndex(perm4Formats, src), formatIndex(perm4Formats, dst); i >= 0 && j >= 0 {
		return append([]int64(nil), perm4[i][j]...), true
	}
	if i, j := formatIndex(perm5Formats, src), formatIndex(perm5Formats, dst); i >= 0 && j >= 0 {
		return append([]int64(nil), perm5[i][j]...), true
	}
	return nil, false
}

func permute(shape, perm []int64) ([]int64, bool) {
	if len(shape) != len(perm) {
		return nil, false
	}
	out := make([]int64, len(perm))
	for i, p := range perm {
		if p < 0 || int(p) >= len(shape) {
			return nil, false
		}
		out[i] = shape[p]
	}
	return out, true
}

// isIdentityComposition reports whether applying a then b leaves every axis
// in place.
func isIdentityComposition(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, p := range b {
		if p < 0 || int(p) >= len(a) || a[p] != int64(i) {
			return false
		}
	}
	return true
}
