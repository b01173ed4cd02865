package poller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed indicates the body is not the JSON document it claims to be.
	ErrMalformed = errors.New("malformed payload")

	// ErrInvalidPayload indicates the JSON parsed but a field failed validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNoData indicates the payload carried no reading (empty sensor list,
	// unknown sensor id, or no recognised shape).
	ErrNoData = errors.New("no data")

	// ErrUnsuccessful indicates an envelope with "success": false.
	ErrUnsuccessful = errors.New("unsuccessful response")
)

// Sample is a decoded, validated reading as served by a sensor endpoint.
type Sample struct {
	SensorID    string
	Temperature float64
	Humidity    float64
	Timestamp   time.Time
}

// envelope covers every shape the sensor endpoints serve:
//
//	{"success": true, "data": {...}}        GET/POST /sensor-data
//	{"sensors": [{...}, ...]}               GET /sensors
//	{"id": ..., "temperature": ..., ...}    GET /sensors/:id
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Sensors json.RawMessage `json:"sensors"`
	sensorObject
}

type sensorObject struct {
	ID          string          `json:"id"`
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
	Timestamp   json.RawMessage `json:"timestamp"`
	UpdatedAt   json.RawMessage `json:"updatedAt"`
}

// Decode parses a sensor endpoint body into a [Sample].
//
// sensorID selects an entry from a "sensors" list; when empty the first
// entry is used. Errors wrap one of [ErrMalformed], [ErrInvalidPayload],
// [ErrNoData] or [ErrUnsuccessful].
func Decode(body []byte, sensorID string) (Sample, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case env.Success != nil:
		if !*env.Success {
			return Sample{}, ErrUnsuccessful
		}
		if isNull(env.Data) {
			return Sample{}, fmt.Errorf("%w: envelope has no data", ErrNoData)
		}
		var obj sensorObject
		if err := json.Unmarshal(env.Data, &obj); err != nil {
			return Sample{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		return obj.sample()

	case env.Sensors != nil:
		if isNull(env.Sensors) {
			return Sample{}, fmt.Errorf("%w: sensor list is null", ErrNoData)
		}
		var list []sensorObject
		if err := json.Unmarshal(env.Sensors, &list); err != nil {
			return Sample{}, fmt.Errorf("%w: sensors: %v", ErrMalformed, err)
		}
		obj, err := pick(list, sensorID)
		if err != nil {
			return Sample{}, err
		}
		return obj.sample()

	case env.Temperature != nil || env.Humidity != nil:
		return env.sensorObject.sample()
	}

	return Sample{}, fmt.Errorf("%w: unrecognised payload shape", ErrNoData)
}

func pick(list []sensorObject, sensorID string) (sensorObject, error) {
	if len(list) == 0 {
		return sensorObject{}, fmt.Errorf("%w: sensor list is empty", ErrNoData)
	}
	if sensorID == "" {
		return list[0], nil
	}
	for _, obj := range list {
		if obj.ID == sensorID {
			return obj, nil
		}
	}
	return sensorObject{}, fmt.Errorf("%w: sensor %q not in list", ErrNoData, sensorID)
}

func (o sensorObject) sample() (Sample, error) {
	temp, err := parseNumber("temperature", o.Temperature)
	if err != nil {
		return Sample{}, err
	}
	hum, err := parseNumber("humidity", o.Humidity)
	if err != nil {
		return Sample{}, err
	}

	raw := o.Timestamp
	if isNull(raw) {
		raw = o.UpdatedAt
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		SensorID:    o.ID,
		Temperature: temp,
		Humidity:    hum,
		Timestamp:   ts,
	}, nil
}

// parseNumber accepts a JSON number or a numeric string and rejects
// anything that is not a finite float.
func parseNumber(field string, raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("%w: %s is missing", ErrInvalidPayload, field)
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidPayload, field)
		}
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if perr != nil {
			return 0, fmt.Errorf("%w: %s %q is not a number", ErrInvalidPayload, field, s)
		}
		v = parsed
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrInvalidPayload, field)
	}
	return v, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, fmt.Errorf("%w: timestamp is missing", ErrInvalidPayload)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp is not a string", ErrInvalidPayload)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidPayload, s, err)
	}
	return ts, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
