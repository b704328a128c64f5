package indexer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

const latestTransactionsQuery = `query GetLatestTransactions($first: Int = 10) {
  extrinsics(first: $first, orderBy: TIMESTAMP_DESC) {
    edges {
      node {
        id
        module
        timestamp
        txHash
        argsName
        argsValue
        extrinsicIndex
        hash
        success
        signer
        feesRounded
      }
    }
    pageInfo {
      hasNextPage
      endCursor
    }
  }
}`

const blobSizeQuery = `query Get24hBlobSize($since: Datetime!) {
  dataSubmissions(filter: { timestamp: { greaterThanOrEqualTo: $since } }) {
    aggregates {
      sum {
        byteSize
      }
    }
    totalCount
  }
}`

const probeQuery = `query Probe {
  _metadata {
    lastProcessedHeight
  }
}`

// Page is one page of extrinsics, newest first.
type Page struct {
	Transactions []Transaction `json:"transactions"`
	HasNextPage  bool          `json:"hasNextPage"`
	EndCursor    string        `json:"endCursor"`
}

// LatestTransactions returns the limit most recent extrinsics.
func (c *Client) LatestTransactions(ctx context.Context, limit int) (Page, error) {
	var data struct {
		Extrinsics struct {
			Edges []struct {
				Node Extrinsic `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"extrinsics"`
	}
	if err := c.Query(ctx, latestTransactionsQuery, map[string]any{"first": limit}, &data); err != nil {
		return Page{}, err
	}

	page := Page{
		Transactions: make([]Transaction, 0, len(data.Extrinsics.Edges)),
		HasNextPage:  data.Extrinsics.PageInfo.HasNextPage,
		EndCursor:    data.Extrinsics.PageInfo.EndCursor,
	}
	for _, e := range data.Extrinsics.Edges {
		page.Transactions = append(page.Transactions, e.Node.Transaction())
	}
	return page, nil
}

// BlobStats aggregates data submissions over a window.
type BlobStats struct {
	Bytes       uint64 `json:"bytes"`
	Submissions int    `json:"submissions"`
}

// BlobSize24h sums the data submitted in the 24 hours before now.
func (c *Client) BlobSize24h(ctx context.Context, now time.Time) (BlobStats, error) {
	var data struct {
		DataSubmissions struct {
			Aggregates struct {
				Sum struct {
					ByteSize json.RawMessage `json:"byteSize"`
				} `json:"sum"`
			} `json:"aggregates"`
			TotalCount int `json:"totalCount"`
		} `json:"dataSubmissions"`
	}
	since := now.Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	if err := c.Query(ctx, blobSizeQuery, map[string]any{"since": since}, &data); err != nil {
		return BlobStats{}, err
	}
	return BlobStats{
		Bytes:       flexUint(data.DataSubmissions.Aggregates.Sum.ByteSize),
		Submissions: data.DataSubmissions.TotalCount,
	}, nil
}

// Probe returns the last block height the indexer has processed.
func (c *Client) Probe(ctx context.Context) (uint64, error) {
	var data struct {
		Metadata struct {
			LastProcessedHeight json.RawMessage `json:"lastProcessedHeight"`
		} `json:"_metadata"`
	}
	if err := c.Query(ctx, probeQuery, nil, &data); err != nil {
		return 0, err
	}
	return flexUint(data.Metadata.LastProcessedHeight), nil
}

// flexUint reads a number the service may render as a JSON number or string.
func flexUint(raw json.RawMessage) uint64 {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		n = json.Number(s)
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
