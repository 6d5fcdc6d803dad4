package api

import (
	"errors"
	"io"
	"net/http"
)

const maxBody = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBody {
		return nil, errors.New("request body too large")
	}
	return data, nil
}
