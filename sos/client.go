// Package sos provides a DataSource which incrementally scrapes a Sensor
// Observation Service (SOS 1.0) endpoint.
package sos

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jcu-dc24/ingester/fetch"
	"github.com/pkg/errors"
)

// Media types of the documents the scraper stores.
const (
	SensorMLType = `text/xml;subtype="sensorML/1.0.1"`
	OMType       = `text/xml;subtype="om/1.0.0"`
)

const xlinkNS = "http://www.w3.org/1999/xlink"

// Client speaks the XML POST binding of SOS 1.0.
type Client struct {
	URL  string
	HTTP *fetch.Client
}

// NewClient returns a Client for the endpoint at url.
func NewClient(url string, hc *fetch.Client) *Client {
	if hc == nil {
		hc = fetch.NewClient()
	}
	return &Client{URL: url, HTTP: hc}
}

// GetCapabilities fetches and parses the capabilities document.
func (c *Client) GetCapabilities(ctx context.Context) (*Capabilities, error) {
	body, err := c.post(ctx, getCapabilities{
		Service:  "SOS",
		Sections: []string{"All"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "GetCapabilities")
	}
	caps := &Capabilities{}
	if err := xml.Unmarshal(body, caps); err != nil {
		return nil, errors.Wrap(err, "decoding capabilities")
	}
	return caps, nil
}

// DescribeSensor returns the raw SensorML document of a procedure.
func (c *Client) DescribeSensor(ctx context.Context, procedure string) ([]byte, error) {
	body, err := c.post(ctx, describeSensor{
		Service:      "SOS",
		Version:      "1.0.0",
		OutputFormat: SensorMLType,
		Procedure:    procedure,
	})
	return body, errors.Wrapf(err, "DescribeSensor %s", procedure)
}

// GetObservationByID returns the raw O&M document of an observation.
func (c *Client) GetObservationByID(ctx context.Context, id string) ([]byte, error) {
	body, err := c.post(ctx, getObservationByID{
		Service:        "SOS",
		Version:        "1.0.0",
		ObservationID:  id,
		ResponseFormat: OMType,
		ResultModel:    "om:Observation",
	})
	return body, errors.Wrapf(err, "GetObservationById %s", id)
}

func (c *Client) post(ctx context.Context, request interface{}) ([]byte, error) {
	payload, err := xml.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequest(http.MethodPost, c.URL, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/xml")
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %s", resp.Status)
	}
	if msg, ok := exception(body); ok {
		return nil, errors.Errorf("service exception: %s", msg)
	}
	return body, nil
}

type getCapabilities struct {
	XMLName  xml.Name `xml:"http://www.opengis.net/sos/1.0 GetCapabilities"`
	Service  string   `xml:"service,attr"`
	Sections []string `xml:"Sections>Section"`
}

type describeSensor struct {
	XMLName      xml.Name `xml:"http://www.opengis.net/sos/1.0 DescribeSensor"`
	Service      string   `xml:"service,attr"`
	Version      string   `xml:"version,attr"`
	OutputFormat string   `xml:"outputFormat,attr"`
	Procedure    string   `xml:"procedure"`
}

type getObservationByID struct {
	XMLName        xml.Name `xml:"http://www.opengis.net/sos/1.0 GetObservationById"`
	Service        string   `xml:"service,attr"`
	Version        string   `xml:"version,attr"`
	ObservationID  string   `xml:"ObservationId"`
	ResponseFormat string   `xml:"responseFormat"`
	ResultModel    string   `xml:"resultModel"`
}

// exception reports whether body is an OWS exception report, and its text.
func exception(body []byte) (string, bool) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var (
		inReport bool
		texts    []string
		inText   bool
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return strings.Join(texts, "; "), inReport
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inReport {
				if t.Name.Local != "ExceptionReport" {
					return "", false
				}
				inReport = true
			}
			inText = t.Name.Local == "ExceptionText"
		case xml.EndElement:
			inText = false
		case xml.CharData:
			if inText {
				texts = append(texts, strings.TrimSpace(string(t)))
			}
		}
	}
}

// Observation holds what the scraper needs to know about an O&M document.
type Observation struct {
	Procedure string
	Time      time.Time
}

// ParseObservation finds the procedure and sampling time of the first
// observation in an O&M document.
func ParseObservation(body []byte) (Observation, error) {
	var (
		obs        Observation
		inSampling bool
		inPosition bool
	)
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return obs, errors.Wrap(err, "decoding observation")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "procedure":
				if obs.Procedure == "" {
					obs.Procedure = attr(t, xlinkNS, "href")
				}
			case "samplingTime":
				inSampling = true
			case "timePosition", "beginPosition":
				inPosition = inSampling
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "samplingTime":
				inSampling = false
			case "timePosition", "beginPosition":
				inPosition = false
			}
		case xml.CharData:
			if inPosition && obs.Time.IsZero() {
				ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(t)))
				if err != nil {
					return obs, errors.Wrapf(err, "parsing sampling time %q", t)
				}
				obs.Time = ts.UTC()
			}
		}
	}
	return obs, nil
}

func attr(el xml.StartElement, space, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local && (a.Name.Space == space || a.Name.Space == "xlink") {
			return a.Value
		}
	}
	return ""
}
