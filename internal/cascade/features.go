// Package cascade classifies faces in-process with OpenCV Haar cascades. The classifier
// itself needs the gocv build tag; the geometry here does not.
package cascade

import (
	"image"

	"github.com/andresmejia3/straightface/internal/types"
)

// Cascade file names as shipped in OpenCV's data/haarcascades directory.
const (
	FaceCascade  = "haarcascade_frontalface_default.xml"
	SmileCascade = "haarcascade_smile.xml"
	EyeCascade   = "haarcascade_eye.xml"
)

// classify derives features for one face from smile and eye detections made inside it.
// Rectangles are relative to the face. Cascades give no probabilities, so they are 0 or 1.
func classify(face image.Rectangle, smiles, eyes []image.Rectangle) types.FaceFeatures {
	f := types.FaceFeatures{
		Box: [4]int{face.Min.X, face.Min.Y, face.Max.X, face.Max.Y},
	}

	w, h := face.Dx(), face.Dy()
	for _, s := range smiles {
		// Smiles only count in the lower half; the cascade also fires on eyebrows.
		if s.Min.Y >= h/2 {
			f.HasSmile = true
			f.SmileProb = 1
			break
		}
	}

	for _, e := range eyes {
		c := e.Min.Add(e.Max).Div(2)
		if c.Y > h/2 {
			continue
		}
		// The subject's left eye is on the right of the image.
		if c.X >= w/2 {
			f.LeftEyeOpen = 1
		} else {
			f.RightEyeOpen = 1
		}
	}
	f.LeftEyeClosed = f.LeftEyeOpen == 0
	f.RightEyeClosed = f.RightEyeOpen == 0
	return f
}

// lowerHalf and upperHalf are the search regions for smiles and eyes, relative to face.
func lowerHalf(face image.Rectangle) image.Rectangle {
	return image.Rect(0, face.Dy()/2, face.Dx(), face.Dy())
}

func upperHalf(face image.Rectangle) image.Rectangle {
	return image.Rect(0, 0, face.Dx(), face.Dy()/2+face.Dy()/10)
}
