package sim

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/Gorky8685/otm-sim/sim/trace"
)

// RoutingMode selects what happens to flow addressed to a downstream link
// that no local lane group reaches.
type RoutingMode int

const (
	// RoutingLenient drops the flow and counts it. This is the behavior a
	// partitioned deployment needs for links owned by another process.
	RoutingLenient RoutingMode = iota
	// RoutingStrict fails with ErrUnreachableDownstream.
	RoutingStrict
)

// Router splits packets entering a link across its lane groups.
type Router struct {
	env    *Env
	paths  map[PathID]*Path
	splits SplitRatios
	rng    *rand.Rand
	mode   RoutingMode

	warnedSplits map[SplitKey]bool
}

// NewRouter creates a router. rng drives the next-link choice of vehicles
// on split-ratio routes.
func NewRouter(env *Env, paths map[PathID]*Path, splits SplitRatios, rng *rand.Rand, mode RoutingMode) *Router {
	if paths == nil {
		paths = make(map[PathID]*Path)
	}
	if splits == nil {
		splits = make(SplitRatios)
	}
	return &Router{
		env:          env,
		paths:        paths,
		splits:       splits,
		rng:          rng,
		mode:         mode,
		warnedSplits: make(map[SplitKey]bool),
	}
}

// NextLink returns the link flow with the given key leaves link towards.
func (r *Router) NextLink(link *Link, key RouteKey) (LinkID, bool) {
	return r.env.Net.NextLinkFor(link, key, r.paths)
}

// Route splits p and delivers each share to its lane group model.
func (r *Router) Route(timestamp float64, linkID LinkID, p *LinkPacket) error {
	shares, err := r.Split(timestamp, linkID, p)
	if err != nil {
		return err
	}
	ids := lo.Keys(shares)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if shares[id].isEmpty() {
			continue
		}
		if err := r.env.Net.LaneGroups[id].Model.ReceivePacket(timestamp, shares[id]); err != nil {
			return fmt.Errorf("link %d lane group %d: %w", linkID, id, err)
		}
	}
	return nil
}

// Split assigns the content of a packet entering linkID to lane groups.
// Route keys are rewritten for the new link: link-based keys get the next
// link chosen here, path keys are kept.
func (r *Router) Split(timestamp float64, linkID LinkID, p *LinkPacket) (map[LaneGroupID]*LaneGroupPacket, error) {
	out := make(map[LaneGroupID]*LaneGroupPacket)
	if p.IsEmpty() {
		return out, nil
	}
	link, ok := r.env.Net.Links[linkID]
	if !ok {
		return nil, fmt.Errorf("routing to unknown link %d", linkID)
	}

	byNext := make(map[LinkID]*LaneGroupPacket)
	sub := func(next LinkID) *LaneGroupPacket {
		if byNext[next] == nil {
			byNext[next] = newLaneGroupPacket()
		}
		return byNext[next]
	}

	for _, key := range sortedKeys(p.Fluid) {
		mass := p.Fluid[key]
		if mass <= 0 {
			continue
		}
		switch {
		case link.IsSink:
			sub(link.ID).Fluid[sinkKey(key, link.ID)] += mass
		case key.IsPath:
			next, ok := r.NextLink(link, key)
			if !ok {
				if err := r.unreachable(timestamp, link, 0, mass); err != nil {
					return nil, err
				}
				continue
			}
			sub(next).Fluid[key] += mass
		default:
			nexts, fractions := r.outLinkShares(key.Commodity, link)
			for i, next := range nexts {
				if fractions[i] > 0 {
					sub(next).Fluid[RouteKey{Commodity: key.Commodity, PathOrLink: int64(next)}] += mass * fractions[i]
				}
			}
		}
	}

	vehiclesByNext := make(map[LinkID][]*Vehicle)
	for _, v := range p.Vehicles {
		var next LinkID
		switch {
		case link.IsSink:
			next = link.ID
			v.Key = sinkKey(v.Key, link.ID)
		case v.Key.IsPath:
			n, ok := r.NextLink(link, v.Key)
			if !ok {
				if err := r.unreachable(timestamp, link, 0, 1); err != nil {
					return nil, err
				}
				continue
			}
			next = n
		default:
			nexts, fractions := r.outLinkShares(v.Commodity, link)
			next = sample(r.rng, nexts, fractions)
			v.Key = RouteKey{Commodity: v.Commodity, PathOrLink: int64(next)}
		}
		sub(next)
		vehiclesByNext[next] = append(vehiclesByNext[next], v)
	}

	nexts := lo.Keys(byNext)
	sort.Slice(nexts, func(i, j int) bool { return nexts[i] < nexts[j] })
	for _, next := range nexts {
		part := byNext[next]
		part.Vehicles = vehiclesByNext[next]
		if part.isEmpty() {
			continue
		}
		candidates, ok := r.candidates(link, next, p.ArriveTo)
		if !ok {
			if err := r.unreachable(timestamp, link, next, float64(len(part.Vehicles))+fluidTotal(part.Fluid)); err != nil {
				return nil, err
			}
			continue
		}
		distribute(part, candidates, LaneGroupProportions(r.env.Net, candidates), out)
	}
	return out, nil
}

// candidates returns the arrive-to lane groups that reach next. When none
// of them does, the flow lands on all arrive-to lane groups and changes
// lanes later.
func (r *Router) candidates(link *Link, next LinkID, arriveTo []LaneGroupID) ([]LaneGroupID, bool) {
	if link.IsSink {
		if len(arriveTo) == 0 {
			return link.LaneGroups, true
		}
		return arriveTo, true
	}
	reach, ok := link.OutLink2LaneGroups[next]
	if !ok {
		return nil, false
	}
	if len(arriveTo) == 0 {
		return reach, true
	}
	both := lo.Intersect(arriveTo, reach)
	if len(both) == 0 {
		return arriveTo, true
	}
	sort.Slice(both, func(i, j int) bool { return both[i] < both[j] })
	return both, true
}

// distribute divides part among candidates by shares. Vehicles go one at a
// time to the candidate furthest below its share.
func distribute(part *LaneGroupPacket, candidates []LaneGroupID, shares []float64, out map[LaneGroupID]*LaneGroupPacket) {
	get := func(id LaneGroupID) *LaneGroupPacket {
		if out[id] == nil {
			out[id] = newLaneGroupPacket()
		}
		return out[id]
	}
	for key, mass := range part.Fluid {
		for i, id := range candidates {
			if shares[i] > 0 {
				get(id).Fluid[key] += mass * shares[i]
			}
		}
	}
	assigned := make([]int, len(candidates))
	for n, v := range part.Vehicles {
		best, bestDeficit := 0, -inf
		for i := range candidates {
			if d := shares[i]*float64(n+1) - float64(assigned[i]); d > bestDeficit+1e-12 {
				best, bestDeficit = i, d
			}
		}
		assigned[best]++
		p := get(candidates[best])
		p.Vehicles = append(p.Vehicles, v)
	}
}

// outLinkShares returns the split of a link-routed commodity leaving link.
func (r *Router) outLinkShares(c CommodityID, link *Link) ([]LinkID, []float64) {
	outs := r.env.Net.Nodes[link.EndNode].OutLinks
	if len(outs) == 1 {
		return outs, []float64{1}
	}
	key := SplitKey{Commodity: c, LinkIn: link.ID}
	ratios := r.splits[key]
	total := 0.0
	for _, p := range ratios {
		total += p
	}
	if total <= 0 {
		if !r.warnedSplits[key] {
			r.warnedSplits[key] = true
			r.env.Log.Warnf("no split ratios for commodity %d on link %d, splitting uniformly", c, link.ID)
		}
		shares := make([]float64, len(outs))
		for i := range shares {
			shares[i] = 1 / float64(len(outs))
		}
		return outs, shares
	}
	nexts := lo.Keys(ratios)
	sort.Slice(nexts, func(i, j int) bool { return nexts[i] < nexts[j] })
	shares := make([]float64, len(nexts))
	for i, next := range nexts {
		shares[i] = ratios[next] / total
	}
	return nexts, shares
}

func (r *Router) unreachable(timestamp float64, link *Link, next LinkID, amount float64) error {
	if r.mode == RoutingStrict {
		return fmt.Errorf("%w: link %d to link %d", ErrUnreachableDownstream, link.ID, next)
	}
	logrus.Debugf("[t=%.3f] dropping %.3f veh on link %d bound for non-resident link %d", timestamp, amount, link.ID, next)
	r.env.Metrics.DroppedMass += amount
	r.env.Telemetry.DroppedMass.WithLabelValues(strconv.FormatInt(int64(next), 10)).Add(amount)
	if r.env.Trace.Enabled() {
		r.env.Trace.RecordDrop(trace.DropRecord{Time: timestamp, Link: int64(link.ID), NextLink: int64(next), Amount: amount})
	}
	return nil
}

func sinkKey(key RouteKey, sink LinkID) RouteKey {
	if key.IsPath {
		return key
	}
	return RouteKey{Commodity: key.Commodity, PathOrLink: int64(sink)}
}

// sample picks an index by cumulative fractions.
func sample(rng *rand.Rand, ids []LinkID, fractions []float64) LinkID {
	u := rng.Float64()
	acc := 0.0
	for i, f := range fractions {
		acc += f
		if u < acc {
			return ids[i]
		}
	}
	return ids[len(ids)-1]
}
