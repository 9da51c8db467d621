package rets

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const loginBody = `<RETS ReplyCode="0" ReplyText="Operation Successful">
<RETS-RESPONSE>
MemberName=Jane Example
User=X123,NULL,NULL,X123
Broker=EX01
MetadataVersion=1.00.00123
Info=USERID;X123
Login=/rets/login
Logout=/rets/logout
Search=/rets/search
GetMetadata=/rets/getmetadata
GetObject=/rets/getobject
</RETS-RESPONSE>
</RETS>`

func TestParseLoginBody(t *testing.T) {
	code, text, caps, err := ParseLoginBody(loginBody)
	assert.NilError(t, err)
	assert.Equal(t, code, 0)
	assert.Equal(t, text, "Operation Successful")
	assert.Equal(t, caps["Search"], "/rets/search")
	assert.Equal(t, caps["GetObject"], "/rets/getobject")
	assert.Equal(t, caps["Logout"], "/rets/logout")
	// Info lines are advisory and must not show up as capabilities.
	_, ok := caps["Info"]
	assert.Assert(t, !ok)
	// Non-capability KEY=VALUE lines are carried through untouched.
	assert.Equal(t, caps["Broker"], "EX01")
}

func TestParseLoginBodyRejected(t *testing.T) {
	code, text, _, err := ParseLoginBody(`<RETS ReplyCode="20036" ReplyText="Miscellaneous server login error">`)
	assert.NilError(t, err)
	assert.Equal(t, code, 20036)
	assert.Equal(t, text, "Miscellaneous server login error")
}

func TestParseMalformed(t *testing.T) {
	_, _, _, err := ParseLoginBody("<html>502 Bad Gateway</html>")
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseSearchResult("")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseMetadata(t *testing.T) {
	body := "<RETS ReplyCode=\"0\" ReplyText=\"Operation Successful\">\r\n" +
		"<METADATA-RESOURCE Version=\"1.00.00123\" Date=\"2024-03-01T00:00:00\">\r\n" +
		"<COLUMNS>\tResourceID\tKeyField\tDescription\t</COLUMNS>\r\n" +
		"<DATA>\tProperty\tL_ListingID\tListings\t</DATA>\r\n" +
		"<DATA>\tAgent\tU_AgentID\t</DATA>\r\n" +
		"</METADATA-RESOURCE>\r\n</RETS>"

	resp, err := ParseMetadata(body)
	assert.NilError(t, err)
	assert.Equal(t, resp.Type, "METADATA-RESOURCE")
	assert.Equal(t, resp.Attrs["Version"], "1.00.00123")
	assert.DeepEqual(t, resp.Columns, []string{"ResourceID", "KeyField", "Description"})
	assert.Equal(t, len(resp.Rows), 2)
	assert.DeepEqual(t, resp.Rows[0], []string{"Property", "L_ListingID", "Listings"})
	// The short Agent row is right-padded, never an error.
	assert.DeepEqual(t, resp.Rows[1], []string{"Agent", "U_AgentID", ""})
}

func TestParseSearchResult(t *testing.T) {
	body := "<RETS ReplyCode=\"0\" ReplyText=\"Operation Successful\">\r\n" +
		"<COUNT Records=\"2\"/>\r\n" +
		"<COLUMNS>\tL_ListingID\tL_UpdateDate\tL_StatusCatID\t</COLUMNS>\r\n" +
		"<DATA>\t230475\t2024-03-01T10:15:00\t1\t</DATA>\r\n" +
		"<DATA>\t230476\t2024-03-01T11:00:00\t2\t</DATA>\r\n" +
		"</RETS>"

	resp, err := ParseSearchResult(body)
	assert.NilError(t, err)
	assert.Equal(t, resp.Count, 2)
	assert.Equal(t, len(resp.Rows), 2)

	recs := resp.Records()
	assert.Equal(t, recs[0]["L_ListingID"], "230475")
	assert.Equal(t, recs[1]["L_StatusCatID"], "2")
}

func TestParseSearchUnauthorized(t *testing.T) {
	body := `<RETS ReplyCode="20207" ReplyText="Unauthorized Query on class [CI_3] in resource [Property]"/>`

	_, err := ParseSearchResult(body)
	uq, ok := IsUnauthorizedQuery(err)
	assert.Assert(t, ok)
	assert.Equal(t, uq.Resource, "Property")
	assert.Equal(t, uq.Class, "CI_3")
}

func TestParseSearchProtocolError(t *testing.T) {
	body := `<RETS ReplyCode="20203" ReplyText="Miscellaneous search error"/>`

	_, err := ParseSearchResult(body)
	pe, ok := IsProtocolError(err)
	assert.Assert(t, ok)
	assert.Equal(t, pe.Code, 20203)

	_, isUnauthorized := IsUnauthorizedQuery(err)
	assert.Assert(t, !isUnauthorized)
}

func TestSplitCompact(t *testing.T) {
	assert.Check(t, is.DeepEqual(splitCompact("\tA\t B \tC\t"), []string{"A", "B", "C"}))
	assert.Check(t, is.DeepEqual(splitCompact("A\t\tC"), []string{"A", "", "C"}))
	assert.Check(t, is.Len(splitCompact("  "), 0))
}
