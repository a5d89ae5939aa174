// Package net carries the coordinator to participant protocol over HTTP. A
// Server exposes a protocol.Participant, a Client is the coordinator side
// handle on a remote one.
package net

import (
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	json "github.com/nikkolasg/hexjson"
)

// ContentType of every request and response body: snappy framed hex JSON.
const ContentType = "application/x-fedavg+snappy"

// maxBody bounds the decompressed size of a message.
const maxBody = 256 << 20

// errorBody is what a failed call returns.
type errorBody struct {
	Error string `json:"error"`
}

func encode(w io.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(buf); err != nil {
		return err
	}
	return sw.Close()
}

func decode(r io.Reader, v interface{}) error {
	buf, err := io.ReadAll(io.LimitReader(snappy.NewReader(r), maxBody+1))
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	if len(buf) > maxBody {
		return errors.New("message too large")
	}
	return json.Unmarshal(buf, v)
}
