// Package identify queries an ArcGIS MapServer identify endpoint for the
// features under a single grid point.
package identify

import (
	"bytes"
	"encoding/json"
)

// Response is a decoded identify response.
type Response struct {
	Results []Result `json:"results"`
}

// Result is one feature returned by the service. Attribute values keep their
// JSON form: numbers decode as json.Number.
type Result struct {
	LayerID          int            `json:"layerId"`
	LayerName        string         `json:"layerName,omitempty"`
	DisplayFieldName string         `json:"displayFieldName,omitempty"`
	GeometryType     string         `json:"geometryType,omitempty"`
	Attributes       map[string]any `json:"attributes"`
	Geometry         *Geometry      `json:"geometry,omitempty"`
}

// Geometry holds the raw ring coordinates. Rings are decoded lazily so that a
// malformed ring only affects its own result.
type Geometry struct {
	Rings            json.RawMessage   `json:"rings,omitempty"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

// HasRings reports whether the geometry carries a rings member.
func (g *Geometry) HasRings() bool {
	return g != nil && len(g.Rings) > 0 && !bytes.Equal(bytes.TrimSpace(g.Rings), []byte("null"))
}

// SpatialReference identifies a coordinate system by well-known id.
type SpatialReference struct {
	WKID       int `json:"wkid,omitempty"`
	LatestWKID int `json:"latestWkid,omitempty"`
}

// pointGeometry is the identify "geometry" parameter for esriGeometryPoint.
type pointGeometry struct {
	X                float64          `json:"x"`
	Y                float64          `json:"y"`
	SpatialReference SpatialReference `json:"spatialReference"`
}

// envelope is the wire form of a response. Results is a pointer so a missing
// member can be told apart from an empty one.
type envelope struct {
	Results *[]Result     `json:"results"`
	Error   *ServiceError `json:"error"`
}

// ServiceError is the error object ArcGIS returns, often with HTTP 200.
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}
