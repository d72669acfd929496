package sos_test

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/sos"
)

const capabilities = `<?xml version="1.0"?>
<sos:Capabilities xmlns:sos="http://www.opengis.net/sos/1.0" xmlns:ows="http://www.opengis.net/ows/1.1"
    xmlns:xlink="http://www.w3.org/1999/xlink" xmlns:gml="http://www.opengis.net/gml">
  <ows:OperationsMetadata>
    <ows:Operation name="GetObservationById">
      <ows:Parameter name="ObservationId">
        <ows:AllowedValues>
          <ows:Range><ows:MinimumValue>o_1</ows:MinimumValue><ows:MaximumValue>o_3</ows:MaximumValue></ows:Range>
        </ows:AllowedValues>
      </ows:Parameter>
    </ows:Operation>
  </ows:OperationsMetadata>
  <sos:Contents>
    <sos:ObservationOfferingList>
      <sos:ObservationOffering gml:id="reef">
        <sos:procedure xlink:href="urn:ogc:object:Sensor:jcu:temp"/>
        <sos:procedure xlink:href="urn:ogc:object:Sensor:jcu:salinity"/>
      </sos:ObservationOffering>
      <sos:ObservationOffering gml:id="river">
        <sos:procedure xlink:href="urn:ogc:object:Sensor:jcu:temp"/>
      </sos:ObservationOffering>
    </sos:ObservationOfferingList>
  </sos:Contents>
</sos:Capabilities>`

const observation = `<?xml version="1.0"?>
<om:Observation xmlns:om="http://www.opengis.net/om/1.0" xmlns:gml="http://www.opengis.net/gml"
    xmlns:xlink="http://www.w3.org/1999/xlink">
  <om:samplingTime><gml:TimeInstant><gml:timePosition>2023-11-14T22:1%d:20Z</gml:timePosition></gml:TimeInstant></om:samplingTime>
  <om:procedure xlink:href="urn:ogc:object:Sensor:jcu:%s"/>
  <om:result>%d</om:result>
</om:Observation>`

type fakeSOS struct {
	mu       sync.Mutex
	requests map[string]int
	fail     string
}

func (f *fakeSOS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}
	f.mu.Lock()
	f.requests[root.Name.Local]++
	f.mu.Unlock()
	switch root.Name.Local {
	case "GetCapabilities":
		fmt.Fprint(w, capabilities)
	case "DescribeSensor":
		var req struct {
			Procedure string `xml:"procedure"`
		}
		xml.Unmarshal(body, &req)
		fmt.Fprintf(w, `<sml:SensorML xmlns:sml="http://www.opengis.net/sensorML/1.0.1"><sml:identifier>%s</sml:identifier></sml:SensorML>`, req.Procedure)
	case "GetObservationById":
		var req struct {
			ID string `xml:"ObservationId"`
		}
		xml.Unmarshal(body, &req)
		if req.ID == f.fail {
			fmt.Fprint(w, `<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows/1.1"><ows:Exception><ows:ExceptionText>no such observation</ows:ExceptionText></ows:Exception></ows:ExceptionReport>`)
			return
		}
		var n int
		fmt.Sscanf(req.ID, "o_%d", &n)
		sensor := "temp"
		if n%2 == 0 {
			sensor = "salinity"
		}
		fmt.Fprintf(w, observation, n, sensor, n)
	default:
		http.Error(w, "unknown request", http.StatusBadRequest)
	}
}

func newSource(t *testing.T, url string, state ingester.State) *sos.Source {
	src, err := sos.New(ingester.SourceContext{
		Dataset: &ingester.Dataset{ID: 5},
		Config: &ingester.DataSourceConfig{Kind: sos.Kind, Params: map[string]string{
			"url":                url,
			"observation_prefix": "o_",
		}},
		State: state,
	}, sos.OptNow(func() time.Time { return time.Unix(1700000000, 0) }))
	if err != nil {
		t.Fatalf("building source: %v", err)
	}
	return src
}

func TestScrape(t *testing.T) {
	fake := &fakeSOS{requests: make(map[string]int)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dir := t.TempDir()
	src := newSource(t, srv.URL, nil)
	entries, err := src.Fetch(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	// two sensors and three observations
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	v, _ := entries[0].Attrs.Get("file")
	fa := v.(ingester.FileAttachment)
	if fa.MimeType != sos.SensorMLType || !strings.HasPrefix(fa.Path, "sensorml/") {
		t.Fatalf("unexpected sensor attachment %#v", fa)
	}
	if _, err := os.Stat(filepath.Join(dir, fa.Path)); err != nil {
		t.Fatalf("sensor description not staged: %v", err)
	}
	v, _ = entries[2].Attrs.Get("file")
	fa = v.(ingester.FileAttachment)
	if fa.Path != "observations/o_1.xml" || fa.MimeType != sos.OMType {
		t.Fatalf("unexpected observation attachment %#v", fa)
	}
	want := time.Date(2023, 11, 14, 22, 11, 20, 0, time.UTC)
	if !entries[2].Timestamp.Equal(want) {
		t.Fatalf("expected sampling time %v, got %v", want, entries[2].Timestamp)
	}

	state := src.State()
	if state[sos.SensorMLKey] != `["urn:ogc:object:Sensor:jcu:temp","urn:ogc:object:Sensor:jcu:salinity"]` {
		t.Fatalf("unexpected sensorml state %s", state[sos.SensorMLKey])
	}
	if state[sos.ObservationsKey] != `["o_1","o_2","o_3"]` {
		t.Fatalf("unexpected observations state %s", state[sos.ObservationsKey])
	}
	if state[sos.ObservationMapPrefix+"urn:ogc:object:Sensor:jcu:temp"] != `["o_1","o_3"]` {
		t.Fatalf("unexpected observation map %v", state)
	}

	// nothing new on the second pass
	entries, err = newSource(t, srv.URL, state).Fetch(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no new entries, got %d", len(entries))
	}
	if fake.requests["DescribeSensor"] != 2 || fake.requests["GetObservationById"] != 3 {
		t.Fatalf("seen items were fetched again: %v", fake.requests)
	}
}

func TestScrapeResumes(t *testing.T) {
	fake := &fakeSOS{requests: make(map[string]int), fail: "o_2"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	entries, err := src.Fetch(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected the crawl to stop after o_1, got %d entries", len(entries))
	}
	state := src.State()
	if state[sos.ObservationsKey] != `["o_1"]` {
		t.Fatalf("unexpected observations state %s", state[sos.ObservationsKey])
	}

	fake.fail = ""
	src = newSource(t, srv.URL, state)
	entries, err = src.Fetch(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("resuming: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected o_2 and o_3 on resume, got %d", len(entries))
	}
}

func TestCapabilitiesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if _, err := newSource(t, srv.URL, nil).Fetch(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatalf("expected error when capabilities are unavailable")
	}
}

func TestObservationIDs(t *testing.T) {
	caps := &sos.Capabilities{}
	if err := xml.Unmarshal([]byte(capabilities), caps); err != nil {
		t.Fatal(err)
	}
	ids, err := caps.ObservationIDs("o_")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "o_1,o_2,o_3" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if sensors := caps.SensorIDs(); len(sensors) != 2 {
		t.Fatalf("expected duplicate procedures to be collapsed, got %v", sensors)
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := sos.New(ingester.SourceContext{Config: &ingester.DataSourceConfig{}}); err == nil {
		t.Fatalf("expected error for missing url")
	}
	_, err := sos.New(ingester.SourceContext{
		Config: &ingester.DataSourceConfig{Params: map[string]string{"url": "http://x"}},
		State:  ingester.State{sos.SensorMLKey: "not json"},
	})
	if err == nil {
		t.Fatalf("expected error for corrupt state")
	}
	for variant, ok := range map[string]bool{"": true, "generic": true, "52North": true, "ioos": false} {
		_, err := sos.New(ingester.SourceContext{
			Config: &ingester.DataSourceConfig{Params: map[string]string{"url": "http://x", "variant": variant}},
		})
		if (err == nil) != ok {
			t.Fatalf("variant %q: unexpected error %v", variant, err)
		}
	}
}
