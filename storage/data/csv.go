// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package data

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gorse-io/nearby/common/encoding"
	"github.com/gorse-io/nearby/common/util"
	"github.com/juju/errors"
)

// BookingColumns are the columns of a booking CSV file.
var BookingColumns = []string{"booking_id", "user_id", "worker_id", "service_id", "status", "rating", "timestamp"}

// TrainingColumns are the columns of an exported training snapshot.
var TrainingColumns = []string{"user_id", "worker_id", "service_id", "service_name", "worker_name",
	"worker_lat", "worker_lon", "charge", "num_bookings", "total_rating", "experience_years"}

// ReadBookings parses bookings from CSV. The header line is required. Ratings may be
// empty and timestamps without a zone are read as UTC.
func ReadBookings(r io.Reader) ([]Booking, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(BookingColumns)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Annotate(err, "failed to read header")
	}
	for i, column := range BookingColumns {
		if strings.TrimSpace(header[i]) != column {
			return nil, errors.NotValidf("column %d: expect %s, got %s", i, column, header[i])
		}
	}
	var bookings []Booking
	for line := 2; ; line++ {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		booking := Booking{
			BookingId: fields[0],
			UserId:    fields[1],
			WorkerId:  fields[2],
			ServiceId: fields[3],
			Status:    fields[4],
		}
		if booking.BookingId == "" || booking.UserId == "" || booking.WorkerId == "" {
			return nil, errors.NotValidf("line %d: empty id", line)
		}
		switch booking.Status {
		case BookingStatusBooked, BookingStatusInProgress, BookingStatusCompleted, BookingStatusCancelled:
		default:
			return nil, errors.NotValidf("line %d: status %s", line, booking.Status)
		}
		if booking.Rating, err = util.ParseOptionalFloat[float64](fields[5]); err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		if fields[6] != "" {
			booking.Timestamp, err = dateparse.ParseIn(fields[6], time.UTC)
			if err != nil {
				return nil, errors.Annotatef(err, "line %d", line)
			}
		}
		bookings = append(bookings, booking)
	}
	return bookings, nil
}

// WriteTrainingRecords writes training records as CSV with a header line.
// Missing coordinates and charges are written as empty fields.
func WriteTrainingRecords(w io.Writer, records []TrainingRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(TrainingColumns); err != nil {
		return errors.Trace(err)
	}
	formatFloat := func(v float64) string {
		return encoding.FormatFloat64(v, -1)
	}
	for _, record := range records {
		var lat, lon, charge string
		if record.WorkerCoordinate != nil {
			lat = formatFloat(record.WorkerCoordinate.Latitude)
			lon = formatFloat(record.WorkerCoordinate.Longitude)
		}
		if record.Charge != nil {
			charge = formatFloat(*record.Charge)
		}
		if err := writer.Write([]string{
			record.UserId,
			record.WorkerId,
			record.ServiceId,
			record.ServiceName,
			record.WorkerName,
			lat,
			lon,
			charge,
			strconv.Itoa(record.NumBookings),
			formatFloat(record.TotalRating),
			formatFloat(record.ExperienceYears),
		}); err != nil {
			return errors.Trace(err)
		}
	}
	writer.Flush()
	return errors.Trace(writer.Error())
}
