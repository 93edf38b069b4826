package tracker

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeDeltaAPI struct {
	pages     []*DeltaPage
	listCalls int
	lastLink  string
}

func (f *fakeDeltaAPI) ListDelta(_ context.Context, _ json.RawMessage, link string) (*DeltaPage, error) {
	f.lastLink = link
	page := f.pages[f.listCalls]
	f.listCalls++
	return page, nil
}

func (f *fakeDeltaAPI) Download(_ context.Context, _ json.RawMessage, _ string) (*Content, error) {
	return &Content{Data: []byte("file")}, nil
}

func TestDeltaDetect_ComparesContentTagNotMetadataTag(t *testing.T) {
	// Item "a" was renamed: metadata tag changed, content tag did not.
	// Item "b" has new bytes: content tag changed.
	api := &fakeDeltaAPI{
		pages: []*DeltaPage{{
			Entries: []DeltaEntry{
				{ExternalID: "a", ContentTag: "c1", MetadataTag: "m2"},
				{ExternalID: "b", ContentTag: "c9", MetadataTag: "m1"},
			},
			DeltaLink: "delta-next",
		}},
	}
	cursor, _ := json.Marshal(deltaCursor{
		DeltaLink:   "delta-prev",
		ContentTags: map[string]string{"a": "c1", "b": "c2"},
	})

	s := NewDeltaStrategy(api)
	res, err := s.Detect(context.Background(), nil, cursor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.lastLink != "delta-prev" {
		t.Fatalf("stored delta link not followed: %s", api.lastLink)
	}
	if len(res.Changed) != 1 || res.Changed[0].ExternalID != "b" {
		t.Fatalf("metadata-only change must be suppressed, got %+v", res.Changed)
	}
	if res.Changed[0].Fingerprint != "c9" {
		t.Fatalf("fingerprint must be the content tag, got %s", res.Changed[0].Fingerprint)
	}

	var cur deltaCursor
	if err := json.Unmarshal(res.NewCursor, &cur); err != nil {
		t.Fatalf("bad cursor: %v", err)
	}
	if cur.DeltaLink != "delta-next" {
		t.Fatalf("delta link not advanced: %s", cur.DeltaLink)
	}
}

func TestDeltaDetect_SkipsDeletedEntries(t *testing.T) {
	api := &fakeDeltaAPI{
		pages: []*DeltaPage{{
			Entries: []DeltaEntry{
				{ExternalID: "gone", ContentTag: "c5", Deleted: true},
			},
			DeltaLink: "next",
		}},
	}

	s := NewDeltaStrategy(api)
	res, err := s.Detect(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Changed) != 0 {
		t.Fatalf("deleted entries must not become items, got %+v", res.Changed)
	}
}

func TestDeltaDetect_FollowsNextLinkChain(t *testing.T) {
	api := &fakeDeltaAPI{
		pages: []*DeltaPage{
			{Entries: []DeltaEntry{{ExternalID: "a", ContentTag: "c1"}}, NextLink: "page2"},
			{Entries: []DeltaEntry{{ExternalID: "b", ContentTag: "c2"}}, DeltaLink: "resume"},
		},
	}

	s := NewDeltaStrategy(api)
	res, err := s.Detect(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.listCalls != 2 || api.lastLink != "page2" {
		t.Fatalf("next link chain not followed: calls=%d last=%s", api.listCalls, api.lastLink)
	}
	if len(res.Changed) != 2 {
		t.Fatalf("want 2 changed items, got %d", len(res.Changed))
	}
}
