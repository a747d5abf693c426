package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Auth modes. Public auth posts the public api key alongside the room id;
// private auth posts to a host backend that derives the caller from cookies
// or headers; custom auth delegates entirely to a host callback.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// AuthenticateFunc resolves a raw session token for one room.
type AuthenticateFunc func(ctx context.Context, roomId string) (string, error)

type authTokenResult struct {
	Token string `json:"token"`
}

type publicAuthArgs struct {
	Room         string `json:"room"`
	PublicApiKey string `json:"publicApiKey"`
}

type privateAuthArgs struct {
	Room string `json:"room"`
}

// PublicAuth authenticates against the public endpoint with an api key.
func PublicAuth(authUrl string, publicApiKey string) AuthenticateFunc {
	return func(ctx context.Context, roomId string) (string, error) {
		result, err := post(ctx, authUrl, &publicAuthArgs{
			Room:         roomId,
			PublicApiKey: publicApiKey,
		}, &authTokenResult{})
		if err != nil {
			return "", err
		}
		return result.Token, nil
	}
}

// PrivateAuth authenticates against a host backend endpoint. The backend
// identifies the caller from its own session state.
func PrivateAuth(authUrl string) AuthenticateFunc {
	return func(ctx context.Context, roomId string) (string, error) {
		result, err := post(ctx, authUrl, &privateAuthArgs{
			Room: roomId,
		}, &authTokenResult{})
		if err != nil {
			return "", err
		}
		return result.Token, nil
	}
}

// CustomAuth wraps a host-supplied token callback.
func CustomAuth(callback func(ctx context.Context, roomId string) (string, error)) AuthenticateFunc {
	return AuthenticateFunc(callback)
}

func post[R any](ctx context.Context, url string, args any, result R) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("auth status %d", r.StatusCode)
		}
		return result, errors.New(errorMessage)
	}

	if err != nil {
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		return empty, err
	}

	return result, nil
}
