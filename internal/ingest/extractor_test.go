package ingest

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrec/logbookgo/internal/models"
)

// happyPageJSON is a two-entry extraction the way the model returns it,
// fences included.
const happyPageJSON = "```json\n" + `{
  "pageType": "maintenance_entry",
  "entries": [
    {
      "date": "2019-05-12",
      "maintenanceNarrative": "Drained oil, serviced engine w/ 8 qts Phillips 20W50. R/R oil filter P/N CH48110-1. Ops check normal.",
      "entryType": "maintenance",
      "confidence": 0.95,
      "mechanicName": "J. Smith",
      "mechanicCertificate": "A&P 3712345",
      "hobbsTime": "2345.6",
      "partsActions": [
        {"action": "serviced", "partName": "oil filter", "partNumber": "CH48110-1", "quantity": 1}
      ],
      "adCompliance": [
        {"adNumber": "2018-14-02", "method": "replacement", "notes": ""},
        {"adNumber": "2017-01-09", "method": "visual check", "notes": ""}
      ]
    },
    {
      "date": "06/30/2019",
      "maintenanceNarrative": "I certify that this aircraft has been inspected IAW an annual inspection and was determined to be in airworthy condition.",
      "entryType": "annual",
      "confidence": 0.91,
      "flightTime": 2350.1,
      "farReference": "FAR 43 Appendix D"
    }
  ]
}` + "\n```"

type extractorFixture struct {
	store     *fakeStore
	blobs     *fakeBlobs
	ai        *fakeAI
	extractor *Extractor
}

func newExtractorFixture() *extractorFixture {
	st := newFakeStore()
	blobs := newFakeBlobs()
	client := &fakeAI{}
	return &extractorFixture{
		store:     st,
		blobs:     blobs,
		ai:        client,
		extractor: NewExtractor(st, blobs, client, "gemini-2.5-flash"),
	}
}

// seedTask creates a processing batch with pending pages and returns the task
// for the first page.
func (fx *extractorFixture) seedTask(t *testing.T, pageCount int) Task {
	t.Helper()
	ctx := context.Background()

	aircraft, err := fx.store.UpsertAircraft(ctx, "N12345")
	require.NoError(t, err)

	batch := models.Batch{
		AircraftID: aircraft.ID,
		Mode:       models.BatchModePageSet,
		PageCount:  pageCount,
		Status:     models.BatchStatusProcessing,
	}
	require.NoError(t, fx.store.CreateBatch(ctx, &batch))

	var first Task
	for i := 1; i <= pageCount; i++ {
		key := fmt.Sprintf("pages/%s/page_%04d.jpg", batch.ID, i)
		page := models.Page{
			BatchID:    batch.ID,
			PageNumber: i,
			ImageKey:   key,
			Status:     models.PageStatusPending,
		}
		require.NoError(t, fx.store.CreatePage(ctx, &page))
		require.NoError(t, fx.blobs.Put(ctx, key, "image/jpeg", bytes.NewReader([]byte("jpeg-bytes"))))
		if i == 1 {
			first = Task{BatchID: batch.ID, PageID: page.ID, PageNumber: i, ImageKey: key}
		}
	}
	return first
}

func (fx *extractorFixture) taskFor(t *testing.T, batchID string, pageNumber int) Task {
	t.Helper()
	page, err := fx.store.GetPageByNumber(context.Background(), batchID, pageNumber)
	require.NoError(t, err)
	return Task{BatchID: batchID, PageID: page.ID, PageNumber: pageNumber, ImageKey: page.ImageKey}
}

func TestExtractorHappyPath(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return happyPageJSON, nil
	}
	task := fx.seedTask(t, 1)

	require.NoError(t, fx.extractor.HandleMessage(ctx, task.Encode()))

	require.Len(t, fx.store.entries, 2)
	oil := fx.store.entries[0]
	assert.Equal(t, models.EntryTypeMaintenance, oil.EntryType)
	assert.Equal(t, "2019-05-12", oil.EntryDate.Format("2006-01-02"))
	require.NotNil(t, oil.HobbsTime)
	assert.InDelta(t, 2345.6, *oil.HobbsTime, 0.001)
	assert.False(t, oil.NeedsReview)

	// Legacy "annual" entry type promotes to an inspection with a subtype
	annual := fx.store.entries[1]
	assert.Equal(t, models.EntryTypeInspection, annual.EntryType)
	assert.Equal(t, "2019-06-30", annual.EntryDate.Format("2006-01-02"))

	require.Len(t, fx.store.parts, 1)
	assert.Equal(t, "repaired", fx.store.parts[0].ActionType, "serviced maps to repaired")

	require.Len(t, fx.store.ads, 2)
	assert.Equal(t, "replacement", fx.store.ads[0].ComplianceMethod)
	assert.Equal(t, "other", fx.store.ads[1].ComplianceMethod, "unknown methods collapse to other")
	assert.Equal(t, oil.EntryDate, fx.store.ads[0].ComplianceDate)

	require.Len(t, fx.store.inspections, 1)
	assert.Equal(t, "annual", fx.store.inspections[0].InspectionType)
	assert.Equal(t, annual.ID, fx.store.inspections[0].EntryID)
	assert.Equal(t, "J. Smith", fx.store.inspections[0].InspectorName)

	// Both narratives are long enough to embed
	assert.Len(t, fx.store.embeddings, 2)
	assert.Contains(t, fx.store.embeddings, oil.ID+"/narrative")

	page, err := fx.store.GetPage(ctx, task.PageID)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusCompleted, page.Status)
	assert.Equal(t, "maintenance_entry", page.PageType)
	assert.Equal(t, "gemini-2.5-flash", page.ExtractionModel)
	assert.NotNil(t, page.ExtractedAt)
	assert.NotEmpty(t, page.RawExtraction)

	// Single-page batch rolls up immediately
	assert.Equal(t, models.BatchStatusCompleted, fx.store.batchStatus(task.BatchID))
}

func TestExtractorLowConfidenceFlagsReview(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return `{"pageType":"maintenance_entry","entries":[{"date":"2020-01-15","maintenanceNarrative":"Replaced left main tire, illegible shop stamp","entryType":"maintenance","confidence":0.6,"needsReview":false}]}`, nil
	}
	task := fx.seedTask(t, 1)

	require.NoError(t, fx.extractor.HandleMessage(ctx, task.Encode()))

	require.Len(t, fx.store.entries, 1)
	assert.True(t, fx.store.entries[0].NeedsReview)

	page, err := fx.store.GetPage(ctx, task.PageID)
	require.NoError(t, err)
	assert.True(t, page.NeedsReview)
}

func TestExtractorIdentityMismatchFlagsReview(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return `{"pageType":"maintenance_entry","entries":[{"date":"2020-01-15","aircraftSerial":"17280041","aircraftMake":"Piper","aircraftModel":"PA-28","maintenanceNarrative":"Compression check all cylinders within limits","entryType":"maintenance","confidence":0.95}]}`, nil
	}
	task := fx.seedTask(t, 1)

	// Registered aircraft is a different airframe entirely
	for _, a := range fx.store.aircraft {
		a.SerialNumber = "17265999"
		a.Make = "Cessna"
		a.Model = "172N"
	}

	require.NoError(t, fx.extractor.HandleMessage(ctx, task.Encode()))

	require.Len(t, fx.store.entries, 1)
	entry := fx.store.entries[0]
	assert.True(t, entry.NeedsReview)
	assert.Contains(t, entry.ExtractionNotes, "identity mismatch")
	assert.Contains(t, string(entry.MissingData), "aircraft_identity_mismatch")
}

func TestExtractorSkipsUndatedEntries(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return `{"pageType":"maintenance_entry","entries":[
			{"date":"","maintenanceNarrative":"fragment of a torn page","entryType":"maintenance"},
			{"date":"sometime in spring","maintenanceNarrative":"another fragment","entryType":"maintenance"},
			{"date":"2021-03-01","maintenanceNarrative":"Annual inspection completed, see attached list","entryType":"inspection"}]}`, nil
	}
	task := fx.seedTask(t, 1)

	require.NoError(t, fx.extractor.HandleMessage(ctx, task.Encode()))

	// Undated and unparseable entries drop; the page still completes
	require.Len(t, fx.store.entries, 1)
	assert.Equal(t, "2021-03-01", fx.store.entries[0].EntryDate.Format("2006-01-02"))

	page, err := fx.store.GetPage(ctx, task.PageID)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusCompleted, page.Status)
}

func TestExtractorUnparseableResponseFailsPage(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return "I'm sorry, I cannot read this page.", nil
	}
	task := fx.seedTask(t, 1)

	require.Error(t, fx.extractor.HandleMessage(ctx, task.Encode()))

	page, err := fx.store.GetPage(ctx, task.PageID)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusFailed, page.Status)
	assert.Equal(t, models.BatchStatusFailed, fx.store.batchStatus(task.BatchID))
}

func TestExtractorMissingBatchMarksPageFailed(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()

	page := models.Page{
		BatchID:    "orphan-batch",
		PageNumber: 1,
		ImageKey:   "pages/orphan-batch/page_0001.jpg",
		Status:     models.PageStatusPending,
	}
	require.NoError(t, fx.store.CreatePage(ctx, &page))
	require.NoError(t, fx.blobs.Put(ctx, page.ImageKey, "image/jpeg", bytes.NewReader([]byte("jpeg-bytes"))))

	task := Task{BatchID: "orphan-batch", PageID: page.ID, PageNumber: 1, ImageKey: page.ImageKey}

	// Referential breakage is non-retryable: the task is consumed and the
	// page carries the failure
	require.NoError(t, fx.extractor.HandleMessage(ctx, task.Encode()))

	got, err := fx.store.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusFailed, got.Status)
	assert.Empty(t, fx.store.entries)
}

func TestExtractorPartialBatchFailure(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	task1 := fx.seedTask(t, 2)
	task2 := fx.taskFor(t, task1.BatchID, 2)

	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return "", fmt.Errorf("model overloaded")
	}
	require.Error(t, fx.extractor.HandleMessage(ctx, task1.Encode()))
	// One page still in flight, batch undecided
	assert.Equal(t, models.BatchStatusProcessing, fx.store.batchStatus(task1.BatchID))

	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return `{"pageType":"blank","entries":[]}`, nil
	}
	require.NoError(t, fx.extractor.HandleMessage(ctx, task2.Encode()))

	assert.Equal(t, models.BatchStatusFailed, fx.store.batchStatus(task1.BatchID))

	counts, err := fx.store.CountPages(ctx, task1.BatchID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, counts.FailedPageNumbers)
}

func TestExtractorThreePageBatchCompletes(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return happyPageJSON, nil
	}
	task1 := fx.seedTask(t, 3)

	// Pages complete out of order; the rollup only counts terminal pages
	for _, n := range []int{2, 3, 1} {
		require.NoError(t, fx.extractor.HandleMessage(ctx, fx.taskFor(t, task1.BatchID, n).Encode()))
	}

	assert.Equal(t, models.BatchStatusCompleted, fx.store.batchStatus(task1.BatchID))

	counts, err := fx.store.CountPages(ctx, task1.BatchID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Total)
	assert.Equal(t, int64(3), counts.Completed)
	assert.Equal(t, int64(0), counts.Failed)
}

func TestExtractorRedeliveryDuplicatesEntries(t *testing.T) {
	ctx := context.Background()
	fx := newExtractorFixture()
	fx.ai.extractFunc = func(context.Context, []byte, string) (string, error) {
		return happyPageJSON, nil
	}
	task := fx.seedTask(t, 1)

	require.NoError(t, fx.extractor.HandleMessage(ctx, task.Encode()))
	require.NoError(t, fx.extractor.HandleMessage(ctx, task.Encode()))

	// At-least-once delivery: a redelivered task re-inserts its entries
	assert.Len(t, fx.store.entries, 4)
	assert.Equal(t, models.BatchStatusCompleted, fx.store.batchStatus(task.BatchID))

	page, err := fx.store.GetPage(ctx, task.PageID)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusCompleted, page.Status)
}

func TestExtractorDropsUnparseableTask(t *testing.T) {
	fx := newExtractorFixture()
	require.NoError(t, fx.extractor.HandleMessage(context.Background(), "{{{"))
	assert.Empty(t, fx.store.entries)
}

func TestNormalizeEntryType(t *testing.T) {
	cases := []struct {
		entryType      string
		inspectionType string
		wantType       string
		wantInspection string
	}{
		{"maintenance", "", "maintenance", ""},
		{"", "", "maintenance", ""},
		{"annual", "", "inspection", "annual"},
		{"100hr", "", "inspection", "100hr"},
		{"altimeter_check", "", "inspection", "altimeter_static"},
		{"inspection", "", "inspection", "other"},
		{"inspection", "elt", "inspection", "elt"},
		{"ad_compliance", "", "ad_compliance", ""},
		{"overhaul", "", "other", ""},
	}
	for _, tc := range cases {
		entry := ExtractedEntry{EntryType: tc.entryType, InspectionType: tc.inspectionType}
		normalizeEntryType(&entry)
		assert.Equal(t, tc.wantType, entry.EntryType, tc.entryType)
		assert.Equal(t, tc.wantInspection, entry.InspectionType, tc.entryType)
	}
}

func TestParseEntryDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2019-05-12", "2019-05-12", true},
		{"06/30/2019", "2019-06-30", true},
		{"7/4/2019", "2019-07-04", true},
		{"Jan 2, 2019", "2019-01-02", true},
		{" 2019-05-12 ", "2019-05-12", true},
		{"spring 2019", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := parseEntryDate(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got.Format("2006-01-02"), tc.in)
		}
	}
}

func TestFloatVal(t *testing.T) {
	assert.Nil(t, floatVal(nil))
	assert.Nil(t, floatVal("not a number"))

	if v := floatVal(2345.6); assert.NotNil(t, v) {
		assert.InDelta(t, 2345.6, *v, 0.001)
	}
	if v := floatVal("2345.6"); assert.NotNil(t, v) {
		assert.InDelta(t, 2345.6, *v, 0.001)
	}
}

func TestFuzzyMatch(t *testing.T) {
	assert.True(t, fuzzyMatch("Cessna Aircraft Co", "CESSNA"))
	assert.True(t, fuzzyMatch("172", "172N"))
	assert.True(t, fuzzyMatch("PA-28-181", "PA28181"))
	assert.False(t, fuzzyMatch("Piper", "Cessna"))
}
