package sos

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Capabilities is the part of a SOS capabilities document the scraper uses.
type Capabilities struct {
	XMLName    xml.Name    `xml:"Capabilities"`
	Operations []operation `xml:"OperationsMetadata>Operation"`
	Offerings  []offering  `xml:"Contents>ObservationOfferingList>ObservationOffering"`
}

type operation struct {
	Name       string      `xml:"name,attr"`
	Parameters []parameter `xml:"Parameter"`
}

type parameter struct {
	Name   string   `xml:"name,attr"`
	Values []string `xml:"AllowedValues>Value"`
	Ranges []struct {
		Min string `xml:"MinimumValue"`
		Max string `xml:"MaximumValue"`
	} `xml:"AllowedValues>Range"`
}

type offering struct {
	ID         string `xml:"http://www.opengis.net/gml id,attr"`
	Procedures []struct {
		Href string `xml:"http://www.w3.org/1999/xlink href,attr"`
	} `xml:"procedure"`
}

// SensorIDs returns the procedures of every offering, without duplicates.
func (c *Capabilities) SensorIDs() []string {
	var (
		ids  []string
		seen = make(map[string]bool)
	)
	for _, o := range c.Offerings {
		for _, p := range o.Procedures {
			if p.Href != "" && !seen[p.Href] {
				seen[p.Href] = true
				ids = append(ids, p.Href)
			}
		}
	}
	return ids
}

// ObservationIDs expands the allowed values of the ObservationId parameter of
// GetObservationById. Numeric ranges are expanded with prefix prepended to
// each number.
func (c *Capabilities) ObservationIDs(prefix string) ([]string, error) {
	var ids []string
	for _, op := range c.Operations {
		if op.Name != "GetObservationById" {
			continue
		}
		for _, p := range op.Parameters {
			if !strings.EqualFold(p.Name, "ObservationId") {
				continue
			}
			for _, v := range p.Values {
				ids = append(ids, strings.TrimSpace(v))
			}
			for _, r := range p.Ranges {
				lo, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(r.Min), prefix), 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "parsing range minimum %q", r.Min)
				}
				hi, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(r.Max), prefix), 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "parsing range maximum %q", r.Max)
				}
				for n := lo; n <= hi; n++ {
					ids = append(ids, prefix+strconv.FormatInt(n, 10))
				}
			}
		}
	}
	return ids, nil
}
