package classifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/anpr"
	"parking-gate-service/internal/domain/parking"
)

type VehicleLookup interface {
	GetVehicle(ctx context.Context, plate string) (parking.Vehicle, bool, error)
}

type ActivePassages interface {
	LookupActive(plate string) (parking.Passage, bool)
}

// Classifier decides what the operator has to do about a detection. It does
// not deduplicate; every event it receives is treated as new.
type Classifier struct {
	vehicles  VehicleLookup
	passages  ActivePassages
	stationID string
	log       zerolog.Logger
}

func New(vehicles VehicleLookup, passages ActivePassages, stationID string, log zerolog.Logger) *Classifier {
	return &Classifier{
		vehicles:  vehicles,
		passages:  passages,
		stationID: stationID,
		log:       log.With().Str("component", "classifier").Str("station_id", stationID).Logger(),
	}
}

func (c *Classifier) Classify(ctx context.Context, ev anpr.DetectionEvent) (parking.Classification, error) {
	switch ev.Direction {
	case anpr.DirectionEntry:
		return c.classifyEntry(ctx, ev)
	case anpr.DirectionExit:
		return c.classifyExit(ctx, ev), nil
	default:
		return parking.Classification{}, fmt.Errorf("%w: direction %q", anpr.ErrMalformedDetection, ev.Direction)
	}
}

func (c *Classifier) classifyEntry(ctx context.Context, ev anpr.DetectionEvent) (parking.Classification, error) {
	v, found, err := c.vehicles.GetVehicle(ctx, ev.Plate)
	if err != nil {
		return parking.Classification{}, fmt.Errorf("classify entry %s: %w", ev.Plate, err)
	}

	if !found {
		return parking.Classification{
			Event:            ev,
			Disposition:      parking.NewEntry,
			RequiresBodyType: true,
		}, nil
	}

	cl := parking.Classification{
		Event:            ev,
		Disposition:      parking.KnownEntry,
		RequiresBodyType: !v.BodyTypeID.Valid,
		Vehicle:          &v,
	}
	if p, ok := c.passages.LookupActive(ev.Plate); ok {
		// Confirming will fail with a conflict; the operator still decides.
		cl.Passage = &p
		cl.Reason = "vehicle already has an active passage"
	}
	return cl, nil
}

func (c *Classifier) classifyExit(ctx context.Context, ev anpr.DetectionEvent) parking.Classification {
	p, ok := c.passages.LookupActive(ev.Plate)
	if !ok || (c.stationID != "" && p.StationID != c.stationID) {
		c.log.Debug().Str("plate", ev.Plate).Str("gate_id", ev.GateID).Msg("exit without active passage ignored")
		return parking.Classification{
			Event:       ev,
			Disposition: parking.Ignore,
			Reason:      "no active passage",
		}
	}

	cl := parking.Classification{
		Event:            ev,
		Disposition:      parking.PendingExit,
		RequiresBodyType: !p.BodyTypeID.Valid,
		Passage:          &p,
	}

	v, found, err := c.vehicles.GetVehicle(ctx, ev.Plate)
	if err != nil {
		c.log.Warn().Err(err).Str("plate", ev.Plate).Msg("vehicle lookup failed for exit, continuing without it")
	} else if found {
		cl.Vehicle = &v
	}
	return cl
}
