package runware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultEndpoint = "https://api.runware.ai/v1"

// ErrNoImage means the service answered without an imageInference result.
var ErrNoImage = errors.New("no imageInference result in response")

type ClientOpts struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type Client struct {
	httpClient *resty.Client
	endpoint   string
	model      string
	apiKey     string
	newTaskID  func() string
}

func NewClient(opts ClientOpts) *Client {
	c := Client{
		endpoint:  DefaultEndpoint,
		model:     DefaultModel,
		apiKey:    opts.APIKey,
		newTaskID: func() string { return uuid.NewString() },
	}
	if opts.Endpoint != "" {
		c.endpoint = opts.Endpoint
	}
	if opts.Model != "" {
		c.model = opts.Model
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c.httpClient = resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if c.apiKey != "" {
		c.httpClient.SetAuthToken(c.apiKey)
	}
	return &c
}

// Enabled reports whether the client has credentials to call the service.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// Generate runs one imageInference task and returns its result.
func (c *Client) Generate(ctx context.Context, params GenerateParams) (*Image, error) {
	if params.PositivePrompt == "" {
		return nil, fmt.Errorf("positive prompt is required")
	}

	task := c.task(params)
	log.Info().
		Str("taskUUID", task.TaskUUID).
		Str("model", task.Model).
		Int("promptLen", len(task.PositivePrompt)).
		Msg("runware: image inference")

	var result response
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetBody([]inferenceTask{task}).
		SetResult(&result).
		SetError(&result).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("runware request: %w", err)
	}

	if msg := result.failure(); msg != "" {
		return nil, fmt.Errorf("runware: %s", msg)
	}
	if res.IsError() {
		return nil, fmt.Errorf("runware: Failed to generate image. (status: %d)", res.StatusCode())
	}

	for i := range result.Data {
		if result.Data[i].TaskType == taskImageInference {
			img := result.Data[i].Image
			log.Info().
				Str("taskUUID", img.TaskUUID).
				Int64("seed", img.Seed).
				Msg("runware: image ready")
			return &img, nil
		}
	}
	return nil, ErrNoImage
}

func (c *Client) task(params GenerateParams) inferenceTask {
	t := inferenceTask{
		TaskType:       taskImageInference,
		TaskUUID:       c.newTaskID(),
		Model:          c.model,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		NumberResults:  1,
		OutputFormat:   DefaultFormat,
		Steps:          DefaultSteps,
		CFGScale:       DefaultCFGScale,
		Scheduler:      DefaultScheduler,
		Strength:       DefaultStrength,
		PositivePrompt: params.PositivePrompt,
		Seed:           params.Seed,
	}
	if params.Model != "" {
		t.Model = params.Model
	}
	if params.OutputFormat != "" {
		t.OutputFormat = params.OutputFormat
	}
	if params.CFGScale != 0 {
		t.CFGScale = params.CFGScale
	}
	if params.Scheduler != "" {
		t.Scheduler = params.Scheduler
	}
	if params.Strength != 0 {
		t.Strength = params.Strength
	}
	return t
}
