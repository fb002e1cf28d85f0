package runware

const (
	taskImageInference = "imageInference"

	DefaultModel     = "runware:100@1"
	DefaultWidth     = 1024
	DefaultHeight    = 1024
	DefaultFormat    = "WEBP"
	DefaultSteps     = 4
	DefaultCFGScale  = 1.0
	DefaultScheduler = "FlowMatchEulerDiscreteScheduler"
	DefaultStrength  = 0.8
)

// GenerateParams is one image request. Zero values take the defaults above.
type GenerateParams struct {
	PositivePrompt string
	Model          string
	OutputFormat   string
	CFGScale       float64
	Scheduler      string
	Strength       float64
	Seed           int64
}

// Image is the imageInference result.
type Image struct {
	TaskUUID       string  `json:"taskUUID"`
	ImageUUID      string  `json:"imageUUID,omitempty"`
	ImageURL       string  `json:"imageURL"`
	PositivePrompt string  `json:"positivePrompt"`
	Seed           int64   `json:"seed"`
	NSFWContent    bool    `json:"NSFWContent"`
	Cost           float64 `json:"cost,omitempty"`
}

type inferenceTask struct {
	TaskType       string  `json:"taskType"`
	TaskUUID       string  `json:"taskUUID"`
	Model          string  `json:"model"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	NumberResults  int     `json:"numberResults"`
	OutputFormat   string  `json:"outputFormat"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"CFGScale"`
	Scheduler      string  `json:"scheduler"`
	Strength       float64 `json:"strength"`
	PositivePrompt string  `json:"positivePrompt"`
	Seed           int64   `json:"seed,omitempty"`
}

type taskResult struct {
	TaskType string `json:"taskType"`
	Image
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type response struct {
	Data         []taskResult `json:"data"`
	Errors       []apiError   `json:"errors"`
	Error        any          `json:"error,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Message      string       `json:"message,omitempty"`
}

func (r *response) failure() string {
	switch {
	case r.ErrorMessage != "":
		return r.ErrorMessage
	case len(r.Errors) > 0 && r.Errors[0].Message != "":
		return r.Errors[0].Message
	case r.Message != "":
		return r.Message
	case r.Error != nil || len(r.Errors) > 0:
		return "An error occurred"
	}
	return ""
}
