package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// BatchEntry はバッチトランザクション内の1操作です
type BatchEntry struct {
	Path   string      `json:"Path"`
	Method string      `json:"Method"`
	Body   interface{} `json:"Body,omitempty"`
}

// BatchResult はバッチ内の1操作の結果です
type BatchResult struct {
	Object   json.RawMessage `json:"Object,omitempty"`
	Errors   []string        `json:"Errors,omitempty"`
	Warnings []string        `json:"Warnings,omitempty"`
}

type batchItem struct {
	Entry BatchEntry `json:"Entry"`
}

type batchRequest struct {
	Batch []batchItem `json:"Batch"`
}

type batchResponse struct {
	BatchResult struct {
		Results []BatchResult `json:"Results"`
		Errors  []string      `json:"Errors"`
	} `json:"BatchResult"`
}

// Batch は複数の操作を1トランザクションとして送信します
// いずれかの操作が失敗した場合は RemoteErrors を返します
func (c *RallyClient) Batch(ctx context.Context, entries []BatchEntry) ([]BatchResult, error) {
	req := batchRequest{Batch: make([]batchItem, len(entries))}
	for i, e := range entries {
		req.Batch[i] = batchItem{Entry: e}
	}

	var resp batchResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/batch", req, &resp); err != nil {
		return nil, err
	}

	br := resp.BatchResult
	errs := append([]string(nil), br.Errors...)
	for i, r := range br.Results {
		for _, e := range r.Errors {
			errs = append(errs, fmt.Sprintf("[%d] %s", i, e))
		}
	}
	if len(errs) > 0 {
		return br.Results, &RemoteErrors{Op: "バッチ", Errors: errs}
	}
	if len(br.Results) != len(entries) {
		return br.Results, &RemoteErrors{
			Op:     "バッチ",
			Errors: []string{fmt.Sprintf("結果件数が一致しません: %d != %d", len(br.Results), len(entries))},
		}
	}
	return br.Results, nil
}
