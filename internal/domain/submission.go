package domain

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gender selects the subject word used in captions.
type Gender string

const (
	GenderMan   Gender = "man"
	GenderWoman Gender = "woman"
)

// ParseGender accepts the English values and the Spanish form labels.
func ParseGender(raw string) (Gender, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "man", "hombre":
		return GenderMan, true
	case "woman", "mujer":
		return GenderWoman, true
	}
	return "", false
}

const (
	MinImages = 10
	MaxImages = 15
)

var allowedImageTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
}

var allowedImageExtensions = map[string]string{
	".png":  "png",
	".jpg":  "jpg",
	".jpeg": "jpeg",
}

// Image is one uploaded photo.
type Image struct {
	Filename string
	MIME     string
	Data     []byte
}

// Extension returns the archive extension for the image, without the dot.
func (i Image) Extension() string {
	if ext, ok := allowedImageExtensions[strings.ToLower(path.Ext(i.Filename))]; ok {
		return ext
	}
	if ext, ok := allowedImageTypes[strings.ToLower(i.MIME)]; ok {
		return ext
	}
	return "jpg"
}

// ContentType returns the MIME type, inferring it from the extension when absent.
func (i Image) ContentType() string {
	if i.MIME != "" {
		return i.MIME
	}
	if i.Extension() == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

func (i Image) supported() bool {
	if _, ok := allowedImageTypes[strings.ToLower(i.MIME)]; ok {
		return true
	}
	_, ok := allowedImageExtensions[strings.ToLower(path.Ext(i.Filename))]
	return ok && i.MIME == ""
}

// Submission is a validated request to train a personal model.
type Submission struct {
	ID          string
	UserID      string
	ModelName   string
	Gender      Gender
	Style       string
	Locale      string
	TriggerWord string
	Images      []Image
	CreatedAt   time.Time
}

// SubmissionInput carries raw form values before validation.
type SubmissionInput struct {
	UserID    string
	ModelName string
	Gender    string
	Style     string
	Locale    string
	Images    []Image
}

// NewSubmission validates in and derives the trigger word from the model name.
func NewSubmission(in SubmissionInput, shuffler Shuffler) (*Submission, error) {
	verr := &ValidationError{}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, ErrAuthenticationRequired
	}
	name := strings.TrimSpace(in.ModelName)
	if name == "" {
		verr.Add("modelName", "is required")
	}
	gender, ok := ParseGender(in.Gender)
	if !ok {
		verr.Add("gender", "must be man or woman")
	}
	if strings.TrimSpace(in.Style) == "" {
		verr.Add("style", "is required")
	}
	switch n := len(in.Images); {
	case n < MinImages:
		verr.Add("images", "at least 10 images are required")
	case n > MaxImages:
		verr.Add("images", "at most 15 images are allowed")
	}
	for _, img := range in.Images {
		if !img.supported() {
			verr.Add("images", "unsupported file type: "+img.Filename)
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return &Submission{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		ModelName:   name,
		Gender:      gender,
		Style:       strings.TrimSpace(in.Style),
		Locale:      in.Locale,
		TriggerWord: GenerateTriggerWord(name, shuffler),
		Images:      in.Images,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
