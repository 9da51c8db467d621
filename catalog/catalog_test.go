package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/evermark/retsync/rets"
)

func metadataBody(metaType, columns string, rows ...string) string {
	body := fmt.Sprintf("<RETS ReplyCode=\"0\" ReplyText=\"Operation Successful\">\r\n<%s Version=\"1.0\">\r\n<COLUMNS>\t%s\t</COLUMNS>\r\n", metaType, columns)
	for _, r := range rows {
		body += fmt.Sprintf("<DATA>\t%s\t</DATA>\r\n", r)
	}
	return body + fmt.Sprintf("</%s>\r\n</RETS>", metaType)
}

func newMetadataServer(t *testing.T) (*rets.Client, *rets.Session) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rets/getmetadata", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("Type") {
		case "METADATA-RESOURCE":
			w.Write([]byte(metadataBody("METADATA-RESOURCE",
				"ResourceID\tKeyField\tDescription",
				"Property\tL_ListingID\tListings",
				"Agent\tU_AgentID\tMembers",
				"Hotsheet\t\tStatus changes")))
		case "METADATA-CLASS":
			switch q.Get("ID") {
			case "Property:0":
				w.Write([]byte(metadataBody("METADATA-CLASS", "ClassName\tDescription",
					"RE_1\tResidential", "MF_4\tMultiFamily", "CI_3\tCommercial", "LD_2\tLand")))
			case "Agent:0":
				w.Write([]byte(metadataBody("METADATA-CLASS", "ClassName\tDescription", "Agent\tMembers")))
			default:
				w.Write([]byte(metadataBody("METADATA-CLASS", "ClassName\tDescription")))
			}
		case "METADATA-TABLE":
			switch q.Get("ID") {
			case "Property:RE_1", "Property:MF_4", "Property:CI_3", "Property:LD_2":
				w.Write([]byte(metadataBody("METADATA-TABLE",
					"SystemName\tLongName\tDataType\tMaximumLength\tPrecision\tInterpretation\tLookupName\tRequired",
					"L_ListingID\tListing ID\tCharacter\t20\t\t\t\t1",
					"U_UpdateDate\tAgent Update Date\tDateTime\t\t\t\t\t0",
					"L_UpdateDate\tUpdate Date\tDateTime\t\t\t\t\t0")))
			default:
				w.Write([]byte(metadataBody("METADATA-TABLE",
					"SystemName\tLongName\tDataType\tMaximumLength\tPrecision\tInterpretation\tLookupName\tRequired",
					"U_AgentID\tAgent ID\tCharacter\t20\t\t\t\t1")))
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := rets.New(rets.Options{
		LoginURL:  srv.URL + "/rets/login",
		Version:   "RETS/1.7.2",
		Username:  "u",
		Password:  "p",
		UserAgent: "retsync/test",
		CacheDir:  t.TempDir(),
	})
	assert.NilError(t, err)
	session := &rets.Session{
		Cookie:       "RETS-Session-ID=test",
		Expires:      time.Now().Add(time.Hour),
		Capabilities: map[string]string{"GetMetadata": "/rets/getmetadata"},
	}
	return client, session
}

func TestBuild(t *testing.T) {
	client, session := newMetadataServer(t)

	cat, err := Build(context.Background(), client, session)
	assert.NilError(t, err)

	prop, ok := cat.Resource("Property")
	assert.Assert(t, ok)
	assert.DeepEqual(t, prop.Classes, []string{"RE_1", "MF_4", "CI_3", "LD_2"})
	// U_UpdateDate is skipped; L_UpdateDate is the first usable candidate.
	assert.Equal(t, prop.UpdateField, "L_UpdateDate")
	assert.Equal(t, prop.SyncType, "partial")
	assert.Equal(t, prop.SyncIntervalMinutes, 1)
	assert.Assert(t, prop.Partial())

	agent, ok := cat.Resource("Agent")
	assert.Assert(t, ok)
	assert.Equal(t, agent.UpdateField, NoUpdateField)
	assert.Equal(t, agent.SyncType, "full")
	assert.Equal(t, agent.SyncIntervalMinutes, 1440)

	hot, ok := cat.Resource("Hotsheet")
	assert.Assert(t, ok)
	// No classes means one synthetic default class.
	assert.DeepEqual(t, hot.Classes, []string{""})
}

func TestStoreCachesAndInvalidates(t *testing.T) {
	client, session := newMetadataServer(t)
	dir := t.TempDir()

	store := NewStore(dir)
	cat1, err := store.Load(context.Background(), client, session)
	assert.NilError(t, err)

	// A second store over the same directory reads the disk cache instead
	// of rebuilding.
	store2 := NewStore(dir)
	cat2, err := store2.Load(context.Background(), client, session)
	assert.NilError(t, err)
	assert.Equal(t, cat2.GeneratedAt.Unix(), cat1.GeneratedAt.Unix())

	assert.NilError(t, store2.Invalidate())
	cat3, err := store2.Load(context.Background(), client, session)
	assert.NilError(t, err)
	assert.Assert(t, !cat3.GeneratedAt.Before(cat1.GeneratedAt))
}

func TestFullSyncCheckpoints(t *testing.T) {
	client, session := newMetadataServer(t)
	dir := t.TempDir()

	store := NewStore(dir)
	_, err := store.Load(context.Background(), client, session)
	assert.NilError(t, err)

	assert.Assert(t, store.LastFullSync("Agent", "Agent").IsZero())

	now := time.Now().Truncate(time.Second)
	assert.NilError(t, store.MarkFullSync("Agent", "Agent", now))

	// Checkpoints survive a process restart via the disk cache.
	store2 := NewStore(dir)
	_, err = store2.Load(context.Background(), client, session)
	assert.NilError(t, err)
	assert.Equal(t, store2.LastFullSync("Agent", "Agent").Unix(), now.Unix())
}

func TestMatchUpdateField(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"L_UpdateDate", "L_UpdateDate"},
		{"P_UpdateDate", "P_UpdateDate"},
		{"U_UpdateDate", ""},
		{"O_UpdateDate", ""},
		{"L_ListingID", ""},
		{"UpdateDate", ""},
	} {
		assert.Equal(t, matchUpdateField(tc.in), tc.want, tc.in)
	}
}

func TestSyncInterval(t *testing.T) {
	assert.Equal(t, syncInterval("Property", "L_UpdateDate"), 1)
	assert.Equal(t, syncInterval("PropertyArchive", "L_UpdateDate"), 1)
	assert.Equal(t, syncInterval("Office", "O_UpdateDate"), 60)
	assert.Equal(t, syncInterval("ActiveAgent", "A_UpdateDate"), 60)
	assert.Equal(t, syncInterval("OpenHouse", "OH_UpdateDate"), 1440)
	// No watermark forces the daily cadence even for Property.
	assert.Equal(t, syncInterval("Property", NoUpdateField), 1440)
}
