package booking

import (
	"context"
	"testing"

	"pgregory.net/rapid"
)

// Random interleavings of add, reserve and cancel must keep every dose count
// non-negative and equal to added minus active appointments.
func TestCoordinator_DoseInvariantProperty(t *testing.T) {
	vaccines := []string{"Pfizer", "Moderna"}
	caregivers := []string{"alice", "bob", "carol"}
	patients := []string{"p1", "p2", "p3"}
	dates := []Date{MustParseDate("2024-01-05"), MustParseDate("2024-01-06")}

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		c := newTestCoordinator(NewMemoryStore())

		added := map[string]int{}
		var lastID int64

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "action") {
			case 0:
				v := rapid.SampledFrom(vaccines).Draw(rt, "vaccine")
				n := rapid.IntRange(0, 3).Draw(rt, "count")
				if err := c.AddDoses(ctx, v, n); err != nil {
					rt.Fatalf("add doses: %v", err)
				}
				added[v] += n
			case 1:
				cg := rapid.SampledFrom(caregivers).Draw(rt, "caregiver")
				d := rapid.SampledFrom(dates).Draw(rt, "date")
				if err := c.PublishAvailability(ctx, cg, d); err != nil {
					rt.Fatalf("publish: %v", err)
				}
			case 2:
				v := rapid.SampledFrom(vaccines).Draw(rt, "vaccine")
				p := rapid.SampledFrom(patients).Draw(rt, "patient")
				d := rapid.SampledFrom(dates).Draw(rt, "date")
				res, err := c.Reserve(ctx, d, v, p)
				switch KindOf(err) {
				case KindUnknown:
					if res.AppointmentID <= lastID {
						rt.Fatalf("id %d not greater than %d", res.AppointmentID, lastID)
					}
					lastID = res.AppointmentID
				case KindNotFound, KindConflict:
				default:
					rt.Fatalf("reserve: %v", err)
				}
			case 3:
				p := rapid.SampledFrom(patients).Draw(rt, "patient")
				if lastID == 0 {
					continue
				}
				id := rapid.Int64Range(1, lastID).Draw(rt, "appointment")
				err := c.Cancel(ctx, id, Identity{Username: p, Role: RolePatient})
				switch KindOf(err) {
				case KindUnknown, KindNotFound, KindUnauthorized:
				default:
					rt.Fatalf("cancel: %v", err)
				}
			}
		}

		active := map[string]int{}
		for _, p := range patients {
			rows, err := c.ListAppointments(ctx, Identity{Username: p, Role: RolePatient}, false)
			if err != nil {
				rt.Fatalf("list appointments: %v", err)
			}
			for _, r := range rows {
				active[r.VaccineName]++
			}
		}

		for _, v := range vaccines {
			doses, err := c.GetDoses(ctx, v)
			if KindOf(err) == KindNotFound {
				if active[v] != 0 {
					rt.Fatalf("%s has appointments but no stock record", v)
				}
				continue
			}
			if err != nil {
				rt.Fatalf("get doses: %v", err)
			}
			if doses < 0 {
				rt.Fatalf("%s dose count went negative: %d", v, doses)
			}
			if doses != added[v]-active[v] {
				rt.Fatalf("%s: doses %d, added %d, active %d", v, doses, added[v], active[v])
			}
		}
	})
}
