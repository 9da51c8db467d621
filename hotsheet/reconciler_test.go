package hotsheet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/evermark/retsync/catalog"
	"github.com/evermark/retsync/mlsdb"
	"github.com/evermark/retsync/rets"
)

func statusBody(t *testing.T, total, start, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("<RETS ReplyCode=\"0\" ReplyText=\"Operation Successful\">\n")
	fmt.Fprintf(&b, "<COUNT Records=\"%d\"/>\n", total)
	b.WriteString("<COLUMNS>\tL_ListingID\tL_StatusDate\tL_Address\tL_Status\tL_StatusCatID\t</COLUMNS>\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "<DATA>\t%d\t2026-08-23 10:00:00\t1 Main St\tWithdrawn\t4\t</DATA>\n", start+i)
	}
	b.WriteString("</RETS>\n")
	return b.String()
}

func TestFetchEventsPagesUntilShortPage(t *testing.T) {
	const total = 2750
	var offsets []int

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		offset, err := strconv.Atoi(r.URL.Query().Get("Offset"))
		assert.NilError(t, err)
		offsets = append(offsets, offset)

		n := total - (offset - 1)
		if n > 2500 {
			n = 2500
		}
		w.Write([]byte(statusBody(t, total, offset, n)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := rets.New(rets.Options{
		LoginURL:  srv.URL + "/login",
		Version:   "RETS/1.7.2",
		Username:  "user",
		Password:  "secret",
		UserAgent: "retsync/1.0",
		CacheDir:  t.TempDir(),
	})
	assert.NilError(t, err)

	session := &rets.Session{
		Cookie:       "c=1",
		Expires:      time.Now().Add(time.Hour),
		Capabilities: map[string]string{"Search": "/search"},
	}
	rec := New(client, nil, nil)

	events, err := rec.fetchEvents(context.Background(), session, &catalog.Resource{ResourceID: "Hotsheet"}, "RE")
	assert.NilError(t, err)

	// A window larger than one server page requires a second request at the
	// advanced offset, and every row must survive.
	assert.DeepEqual(t, offsets, []int{1, 2501})
	assert.Equal(t, len(events), total)
	assert.Equal(t, events[0].ListingID, "1")
	assert.Equal(t, events[total-1].ListingID, strconv.Itoa(total))
	assert.Equal(t, events[total-1].StatusCat, "4")
}

func TestDedupeKeepsLatestStatusDate(t *testing.T) {
	events := []Event{
		{ListingID: "A", StatusDate: "2026-08-23 09:00:00", StatusCat: "3"},
		{ListingID: "B", StatusDate: "2026-08-23 10:00:00", StatusCat: "4"},
		{ListingID: "A", StatusDate: "2026-08-23 15:30:00", StatusCat: "2"},
		{ListingID: "A", StatusDate: "2026-08-23 11:00:00", StatusCat: "4"},
	}

	deduped := Dedupe(events)
	assert.Equal(t, len(deduped), 2)
	assert.Equal(t, deduped[0].ListingID, "A")
	assert.Equal(t, deduped[0].StatusCat, "2")
	assert.Equal(t, deduped[0].StatusDate, "2026-08-23 15:30:00")
	assert.Equal(t, deduped[1].ListingID, "B")
}

func TestPartition(t *testing.T) {
	sold, gone := Partition([]Event{
		{ListingID: "A", StatusCat: "2"},
		{ListingID: "B", StatusCat: "4"},
		{ListingID: "C", StatusCat: "5"},
		{ListingID: "D", StatusCat: "3"}, // pending: no lifecycle action
	})

	assert.Equal(t, len(sold), 1)
	_, ok := sold["A"]
	assert.Check(t, ok)

	assert.Equal(t, len(gone), 2)
	_, ok = gone["B"]
	assert.Check(t, ok)
	_, ok = gone["C"]
	assert.Check(t, ok)
}

func TestPlanActions(t *testing.T) {
	sold, gone := Partition([]Event{
		{ListingID: "A", StatusCat: "2"},
		{ListingID: "B", StatusCat: "4"},
		{ListingID: "C", StatusCat: "5"},
	})
	states := []mlsdb.ListingState{
		{ListingID: "A", StatusCat: "1"},
		{ListingID: "B", StatusCat: "1"},
		{ListingID: "C", StatusCat: "3"},
	}

	promote, remove := PlanActions(states, sold, gone)
	assert.DeepEqual(t, promote, []string{"A"})
	assert.DeepEqual(t, remove, []string{"B"})
}

func TestPlanActionsIdempotent(t *testing.T) {
	sold, gone := Partition([]Event{{ListingID: "A", StatusCat: "2"}})

	// After the first pass A is already "2": nothing left to do.
	promote, remove := PlanActions([]mlsdb.ListingState{{ListingID: "A", StatusCat: "2"}}, sold, gone)
	assert.Check(t, is.Len(promote, 0))
	assert.Check(t, is.Len(remove, 0))
}

func TestPlanActionsSoldThenWithdrawnDeletes(t *testing.T) {
	// A listing locally sold but reported withdrawn upstream is removed.
	sold, gone := Partition([]Event{{ListingID: "A", StatusCat: "4"}})
	promote, remove := PlanActions([]mlsdb.ListingState{{ListingID: "A", StatusCat: "2"}}, sold, gone)
	assert.Check(t, is.Len(promote, 0))
	assert.DeepEqual(t, remove, []string{"A"})
}
