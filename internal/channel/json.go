package channel

import (
	"encoding/json"
	"math"
	"strconv"
)

// jsonFloat encodes NaN and ±Inf as null, which encoding/json rejects for
// plain floats. Decoded streams can carry any IEEE bit pattern.
type jsonFloat float32

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 32), nil
}

func jsonFloats(vals []float32) []jsonFloat {
	if vals == nil {
		return nil
	}
	out := make([]jsonFloat, len(vals))
	for i, v := range vals {
		out[i] = jsonFloat(v)
	}
	return out
}

func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Min   jsonFloat `json:"min"`
		Max   jsonFloat `json:"max"`
		Avg   jsonFloat `json:"avg"`
		Last  jsonFloat `json:"last"`
		Count int       `json:"count"`
	}{jsonFloat(s.Min), jsonFloat(s.Max), jsonFloat(s.Avg), jsonFloat(s.Last), s.Count})
}

func (s Series) MarshalJSON() ([]byte, error) {
	type plain Series
	return json.Marshal(struct {
		plain
		Values []jsonFloat `json:"v"`
	}{plain(s), jsonFloats(s.Values)})
}
