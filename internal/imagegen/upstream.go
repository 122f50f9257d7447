package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// maxUpstreamBody bounds the JSON we read from the generation API
const maxUpstreamBody = 1 << 20

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type generateResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// generate asks the upstream for an image and returns the URL of the first result
func (s *Service) generate(ctx context.Context, apiKey, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: s.model, Prompt: prompt, Size: s.size, N: s.count})
	if err != nil {
		return "", xerrors.Wrap(err, "encode generation request")
	}

	endpoint := strings.TrimRight(s.baseURL, "/") + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Wrap(err, "build generation request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(err, "call generation upstream")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return "", xerrors.Wrap(err, "read generation response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ue := &UpstreamError{Status: resp.StatusCode}
		var eb upstreamErrorBody
		if json.Unmarshal(raw, &eb) == nil {
			ue.Message = eb.Error.Message
			ue.Type = eb.Error.Type
		}
		return "", xerrors.WithStack(ue)
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", xerrors.Wrapf(ErrNoImage, "decode generation response: %v", err)
	}
	if len(gr.Data) == 0 || gr.Data[0].URL == "" {
		return "", xerrors.WithStack(ErrNoImage)
	}
	return gr.Data[0].URL, nil
}

// download fetches the generated image, refusing anything over maxBytes
func (s *Service) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, xerrors.Wrap(err, "build image download request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(err, "download generated image")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, xerrors.WithStack(&UpstreamError{
			Status:  resp.StatusCode,
			Message: "download of generated image failed",
		})
	}
	if resp.ContentLength > s.maxImageBytes {
		return nil, xerrors.WithStack(ErrImageTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxImageBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read generated image")
	}
	if int64(len(data)) > s.maxImageBytes {
		return nil, xerrors.WithStack(ErrImageTooLarge)
	}
	return data, nil
}
