package xtid

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ondemandRe    = regexp.MustCompile(`['"]ondemand\.s['"]:\s*['"]([\w]*)['"]`)
	timeIndexRe   = regexp.MustCompile(`\(\w{1}\[(\d{1,2})\],\s*16\)`)
	metaFwdRe     = regexp.MustCompile(`<meta[^>]+name=["']twitter-site-verification["'][^>]+content=["']([^"']+)["']`)
	metaRevRe     = regexp.MustCompile(`<meta[^>]+content=["']([^"']+)["'][^>]+name=["']twitter-site-verification["']`)
	frameNumberRe = regexp.MustCompile(`-?\d+`)
)

func siteVerificationKey(html string) string {
	if m := metaFwdRe.FindStringSubmatch(html); len(m) > 1 {
		return m[1]
	}
	if m := metaRevRe.FindStringSubmatch(html); len(m) > 1 {
		return m[1]
	}
	return ""
}

func ondemandScriptURL(html string) string {
	m := ondemandRe.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return "https://abs.twimg.com/responsive-web/client-web/ondemand.s." + m[1] + "a.js"
}

// keyIndices extracts the obfuscated byte indices from ondemand.s. The first
// one selects the grid row, the rest multiply into the frame time.
func keyIndices(js string) (int, []int) {
	matches := timeIndexRe.FindAllStringSubmatch(js, -1)
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		if len(m) > 1 {
			if idx, err := strconv.Atoi(m[1]); err == nil {
				indices = append(indices, idx)
			}
		}
	}
	if len(indices) == 0 {
		return 0, nil
	}
	return indices[0], indices[1:]
}

// loadingFrames pulls the four loading-x-anim SVG paths out of the home page
// and decodes each into rows of curve integers.
func loadingFrames(html string) [][][]int {
	frames := make([][][]int, 4)
	for i := 0; i < 4; i++ {
		svgRe := regexp.MustCompile(`<svg[^>]*id=["']loading-x-anim-` + strconv.Itoa(i) + `["'][^>]*>[\s\S]*?</svg>`)
		svg := svgRe.FindString(html)
		if svg == "" {
			continue
		}

		// The animation path carries the #1d9bf008 fill.
		pathRe := regexp.MustCompile(`<path[^>]*d=["']([^"']+)["'][^>]*fill=["']#1d9bf008["']`)
		m := pathRe.FindStringSubmatch(svg)
		if len(m) < 2 {
			pathRe = regexp.MustCompile(`<path[^>]*fill=["']#1d9bf008["'][^>]*d=["']([^"']+)["']`)
			m = pathRe.FindStringSubmatch(svg)
			if len(m) < 2 {
				continue
			}
		}
		frames[i] = parsePathData(m[1])
	}
	return frames
}

func parsePathData(path string) [][]int {
	segments := strings.Split(path, "C")
	rows := make([][]int, 0, len(segments))
	for idx, seg := range segments {
		if idx == 0 {
			continue
		}
		nums := frameNumberRe.FindAllString(seg, -1)
		row := make([]int, 0, len(nums))
		for _, n := range nums {
			if v, err := strconv.Atoi(n); err == nil {
				row = append(row, v)
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

// bezierValue evaluates the cubic bezier described by curves at t, matching
// the browser's timing-function solver.
func bezierValue(curves []float64, t float64) float64 {
	if t <= 0.0 {
		var grad float64
		if curves[0] > 0.0 {
			grad = curves[1] / curves[0]
		} else if curves[1] == 0.0 && curves[2] > 0.0 {
			grad = curves[3] / curves[2]
		}
		return grad * t
	}
	if t >= 1.0 {
		var grad float64
		if curves[2] < 1.0 {
			grad = (curves[3] - 1.0) / (curves[2] - 1.0)
		} else if curves[2] == 1.0 && curves[0] < 1.0 {
			grad = (curves[1] - 1.0) / (curves[0] - 1.0)
		}
		return 1.0 + grad*(t-1.0)
	}

	start, end, mid := 0.0, 1.0, 0.0
	for start < end {
		mid = (start + end) / 2
		xEst := bezierCalc(curves[0], curves[2], mid)
		if math.Abs(t-xEst) < 0.00001 {
			return bezierCalc(curves[1], curves[3], mid)
		}
		if xEst < t {
			start = mid
		} else {
			end = mid
		}
	}
	return bezierCalc(curves[1], curves[3], mid)
}

func bezierCalc(a, b, m float64) float64 {
	return 3.0*a*(1-m)*(1-m)*m + 3.0*b*(1-m)*m*m + m*m*m
}

func lerp(from, to []float64, f float64) []float64 {
	out := make([]float64, len(from))
	for i := range from {
		out[i] = from[i]*(1-f) + to[i]*f
	}
	return out
}

func rotationMatrix(degrees float64) []float64 {
	rad := degrees * math.Pi / 180
	return []float64{math.Cos(rad), -math.Sin(rad), math.Sin(rad), math.Cos(rad)}
}

func floatToHex(x float64) string {
	var out []string
	quotient := int(x)
	fraction := x - float64(quotient)

	for quotient > 0 {
		quotient = int(x / 16)
		remainder := int(x - float64(quotient)*16)
		if remainder > 9 {
			out = append([]string{string(rune(remainder + 55))}, out...)
		} else {
			out = append([]string{fmt.Sprintf("%d", remainder)}, out...)
		}
		x = float64(quotient)
	}

	if fraction == 0 {
		return strings.Join(out, "")
	}
	out = append(out, ".")
	for fraction > 0 {
		fraction *= 16
		integer := int(fraction)
		fraction -= float64(integer)
		if integer > 9 {
			out = append(out, string(rune(integer+55)))
		} else {
			out = append(out, fmt.Sprintf("%d", integer))
		}
	}
	return strings.Join(out, "")
}
