package sim

// passthroughLaneGroup forwards whatever it receives to the next link at
// once. It holds nothing and limits nothing.
type passthroughLaneGroup struct {
	env  *Env
	link *Link
	lg   *LaneGroup
}

func newPassthroughLaneGroup(env *Env, link *Link, lg *LaneGroup) *passthroughLaneGroup {
	return &passthroughLaneGroup{env: env, link: link, lg: lg}
}

func (m *passthroughLaneGroup) ReceivePacket(timestamp float64, p *LaneGroupPacket) error {
	if m.link.IsSink {
		for _, v := range p.Vehicles {
			m.env.vehicleEntered(timestamp, v, m.link.ID)
			m.env.vehicleExitedNetwork(timestamp, v, m.link.ID)
		}
		m.env.fluidExitedNetwork(fluidTotal(p.Fluid))
		return nil
	}

	out := make(map[RoadConnID]*LinkPacket)
	packetFor := func(next LinkID, amount float64) *LinkPacket {
		rc := m.roadConnTo(next)
		if rc == nil {
			return nil
		}
		if out[rc.ID] == nil {
			out[rc.ID] = &LinkPacket{Fluid: make(map[RouteKey]float64), ArriveTo: rc.OutLaneGroups}
		}
		return out[rc.ID]
	}
	for _, key := range sortedKeys(p.Fluid) {
		next, ok := m.env.Router.NextLink(m.link, key)
		if !ok {
			if err := m.env.Router.unreachable(timestamp, m.link, 0, p.Fluid[key]); err != nil {
				return err
			}
			continue
		}
		if pkt := packetFor(next, p.Fluid[key]); pkt != nil {
			pkt.Fluid[key] += p.Fluid[key]
		} else if err := m.env.Router.unreachable(timestamp, m.link, next, p.Fluid[key]); err != nil {
			return err
		}
	}
	for _, v := range p.Vehicles {
		m.env.vehicleEntered(timestamp, v, m.link.ID)
		next, ok := m.env.Router.NextLink(m.link, v.Key)
		if !ok {
			if err := m.env.Router.unreachable(timestamp, m.link, 0, 1); err != nil {
				return err
			}
			continue
		}
		m.env.vehicleLeftLink(timestamp, v, m.link.ID)
		v.Pos, v.NewPos = 0, 0
		if pkt := packetFor(next, 1); pkt != nil {
			pkt.Vehicles = append(pkt.Vehicles, v)
		} else if err := m.env.Router.unreachable(timestamp, m.link, next, 1); err != nil {
			return err
		}
	}

	for _, id := range sortedIDs(out) {
		if err := m.env.Router.Route(timestamp, m.env.Net.RoadConnections[id].EndLink, out[id]); err != nil {
			return err
		}
	}
	return nil
}

// roadConnTo picks the first road connection towards next from this lane
// group, or from any lane group of the link when this one does not reach it.
func (m *passthroughLaneGroup) roadConnTo(next LinkID) *RoadConnection {
	if rcs := m.lg.OutRoadConns[next]; len(rcs) > 0 {
		return m.env.Net.RoadConnections[rcs[0]]
	}
	for _, id := range m.link.OutLink2LaneGroups[next] {
		if rcs := m.env.Net.LaneGroups[id].OutRoadConns[next]; len(rcs) > 0 {
			return m.env.Net.RoadConnections[rcs[0]]
		}
	}
	return nil
}

func (m *passthroughLaneGroup) Demand() float64                 { return 0 }
func (m *passthroughLaneGroup) Supply() float64                 { return inf }
func (m *passthroughLaneGroup) Space() float64                  { return inf }
func (m *passthroughLaneGroup) Release(timestamp float64) error { return nil }
func (m *passthroughLaneGroup) OnCapacityChanged(float64) error { return nil }
func (m *passthroughLaneGroup) SetRoadParam(RoadParam)          {}
func (m *passthroughLaneGroup) TotalVehicles() float64          { return 0 }
func (m *passthroughLaneGroup) TravelTime() (float64, error)    { return 0, nil }
func (m *passthroughLaneGroup) VehiclesByRoute() map[RouteKey]float64 {
	return map[RouteKey]float64{}
}
