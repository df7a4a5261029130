package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hupe1980/dualkv"
	"github.com/hupe1980/dualkv/backend/memory"
	"github.com/hupe1980/dualkv/partition"
	"github.com/hupe1980/dualkv/reducer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	d, err := dualkv.OpenDictionary(ctx, t.TempDir(), []dualkv.ColumnSpec{
		{Name: "txhash", Options: []dualkv.Option{dualkv.WithPartitioner(partition.TopBits(2))}},
		{Name: "address", Options: []dualkv.Option{dualkv.WithReducer(reducer.KeySet{})}},
	}, []dualkv.Option{dualkv.WithBackend(memory.Open)})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(d, nil))
	t.Cleanup(func() {
		srv.Close()
		_ = d.Close(ctx)
	})
	return srv
}

func do(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var rd bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&rd).Encode(body))
	}
	req, err := http.NewRequest(method, url, &rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServer_PutGetLookup(t *testing.T) {
	srv := newTestServer(t)

	var wr WriteResult
	resp := do(t, http.MethodPut, srv.URL+"/columns/address/keys/alice", Record{Value: "addr-1"}, &wr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(1), wr.Seq)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp = do(t, http.MethodPost, srv.URL+"/columns/address/batch", []Record{
		{Key: "bob", Value: "addr-1"},
		{Key: "carol", Value: "addr-2"},
	}, &wr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(2), wr.Seq)

	var e Entry
	resp = do(t, http.MethodGet, srv.URL+"/columns/address/keys/bob", nil, &e)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "addr-1", e.Value)

	resp = do(t, http.MethodGet, srv.URL+"/columns/address/values/addr-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "unsealed pairs are not visible")

	resp = do(t, http.MethodPost, srv.URL+"/columns/address/flush", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var lr LookupResult
	resp = do(t, http.MethodGet, srv.URL+"/columns/address/values/addr-1?keys=true", nil, &lr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"alice", "bob"}, lr.Keys)

	resp = do(t, http.MethodDelete, srv.URL+"/columns/address/keys/bob", nil, &wr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/columns/address/keys/bob", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_HexRange(t *testing.T) {
	srv := newTestServer(t)

	var recs []Record
	for _, v := range []byte{0x10, 0x50, 0x90, 0xd0} {
		recs = append(recs, Record{Key: hex.EncodeToString([]byte{v, 0}), Value: hex.EncodeToString([]byte{v, 1})})
	}
	resp := do(t, http.MethodPost, srv.URL+"/columns/txhash/batch?encoding=hex", recs, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/columns/txhash/compact", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var rr RangeResult
	resp = do(t, http.MethodGet, srv.URL+"/columns/txhash/values?encoding=hex&start=5000&limit=2", nil, &rr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rr.Entries, 2)
	assert.True(t, rr.More)
	assert.Equal(t, "5001", rr.Entries[0].Value)
	assert.Equal(t, "5000", rr.Entries[0].Output)
	assert.Equal(t, "p1", rr.Entries[0].Partition)
	assert.Equal(t, "9001", rr.Entries[1].Value)

	rr = RangeResult{}
	resp = do(t, http.MethodGet, srv.URL+"/columns/txhash/partitions/p3/values?encoding=hex", nil, &rr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rr.Entries, 1)
	assert.Equal(t, "d001", rr.Entries[0].Value)

	var lr LookupResult
	resp = do(t, http.MethodGet, srv.URL+"/columns/txhash/values/1001?encoding=hex", nil, &lr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000", lr.Output)
}

func TestServer_Errors(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/columns/nope/stats", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/columns/txhash/keys/k?encoding=base32", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/columns/txhash/keys/zz?encoding=hex", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/columns/txhash/partitions/p9/rebuild", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorBody
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/columns/txhash/keys/missing", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "req-42", body.RequestID)
}

func TestServer_StatsAndHealth(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var cols map[string][]string
	resp = do(t, http.MethodGet, srv.URL+"/columns", nil, &cols)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"txhash", "address"}, cols["columns"])

	var st dualkv.Stats
	resp = do(t, http.MethodGet, srv.URL+"/columns/txhash/stats", nil, &st)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, st.Partitions, 4)
}
