package types

import "time"

// Frame is a single encoded video frame handed from the capture session to the detector.
type Frame struct {
	Index      int
	Data       []byte // JPEG bytes
	CapturedAt time.Time
}

// FaceFeatures is the classifier output for one face in one frame.
type FaceFeatures struct {
	Box           [4]int  // [left, top, right, bottom]
	SmileProb     float64 // 0..1
	LeftEyeOpen   float64 // 0..1
	RightEyeOpen  float64 // 0..1
	HasSmile      bool
	LeftEyeClosed bool
	// RightEyeClosed is derived from RightEyeOpen by the extractor's threshold
	RightEyeClosed bool
}

// FeatureSet is the immutable snapshot of everything the classifier saw in a frame.
// An empty set means no face was located.
type FeatureSet struct {
	FrameIndex int
	Faces      []FaceFeatures
}

// ErrorResult captures the error object returned by the classifier worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}
