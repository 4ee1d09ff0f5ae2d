package frames

import (
	"math"
	"time"
)

// FrameSimilarity estimates how alike two frames are from their capture
// times alone: 0.95 within 100ms, 0.8 within 500ms, 0.5 within a second,
// 0.2 otherwise.
func FrameSimilarity(a, b Frame) float64 {
	diff := absDuration(a.Timestamp.Sub(b.Timestamp))
	switch {
	case diff < 100*time.Millisecond:
		return 0.95
	case diff < 500*time.Millisecond:
		return 0.80
	case diff < time.Second:
		return 0.50
	}
	return 0.20
}

// AreSimilar reports whether two frames reach threshold similarity.
func AreSimilar(a, b Frame, threshold float64) bool {
	return FrameSimilarity(a, b) >= threshold
}

// IsCameraMoving reports whether consecutive frames average below threshold
// similarity. Fewer than two frames never count as moving.
func IsCameraMoving(frames []Frame, threshold float64) bool {
	if len(frames) < 2 {
		return false
	}
	sum := 0.0
	for i := 1; i < len(frames); i++ {
		sum += FrameSimilarity(frames[i-1], frames[i])
	}
	return sum/float64(len(frames)-1) < threshold
}

// Quality is a frame's suitability score with the reasons it lost points.
type Quality struct {
	Score           int      `json:"score"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// AnalyzeQuality scores a frame from its metadata, starting at 100.
func AnalyzeQuality(f Frame) Quality {
	q := Quality{Score: 100}
	md := f.Metadata
	if md == nil {
		return q
	}
	if md.LightLevel != nil && *md.LightLevel < 0.3 {
		q.Issues = append(q.Issues, "Low light conditions")
		q.Recommendations = append(q.Recommendations, "Enable flash or move to better lighting")
		q.Score -= 20
	}
	if md.Width > 0 && md.Height > 0 && md.Width*md.Height < 640*480 {
		q.Issues = append(q.Issues, "Low resolution")
		q.Recommendations = append(q.Recommendations, "Use higher quality camera settings")
		q.Score -= 15
	}
	if md.Orientation != 0 {
		q.Issues = append(q.Issues, "Camera not level")
		q.Recommendations = append(q.Recommendations, "Hold camera level for better accuracy")
		q.Score -= 10
	}
	q.Score = max(0, q.Score)
	return q
}

// IsSuitableForProcessing reports whether the frame scores at least minScore.
func IsSuitableForProcessing(f Frame, minScore int) bool {
	return AnalyzeQuality(f).Score >= minScore
}

func absDuration(d time.Duration) time.Duration {
	return time.Duration(math.Abs(float64(d)))
}
