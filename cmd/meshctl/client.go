package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func controlURL(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: controlAddr, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func getJSON(path string, query url.Values, out interface{}) error {
	resp, err := httpClient.Get(controlURL(path, query))
	if err != nil {
		return fmt.Errorf("meshctl: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func postJSON(path string, body interface{}, out interface{}) error {
	return postJSONQuery(path, nil, body, out)
}

func postJSONQuery(path string, query url.Values, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("meshctl: encode request: %w", err)
	}
	resp, err := httpClient.Post(controlURL(path, query), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("meshctl: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("meshctl: %s: %s", resp.Status, string(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
