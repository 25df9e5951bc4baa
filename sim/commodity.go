package sim

import "fmt"

// Commodity is a class of flow. Pathfull commodities follow fixed paths;
// the others choose their next link from split ratios at every node.
type Commodity struct {
	ID       CommodityID
	Name     string
	Pathfull bool
}

// Path is a fixed sequence of links.
type Path struct {
	ID    PathID
	Links []LinkID
}

// NextLink returns the link that follows link on the path.
// The second result is false when link is not on the path or is its last link.
func (p *Path) NextLink(link LinkID) (LinkID, bool) {
	for i, l := range p.Links {
		if l == link {
			if i+1 < len(p.Links) {
				return p.Links[i+1], true
			}
			return 0, false
		}
	}
	return 0, false
}

// RouteKey tags flow by commodity and either its path or its next link.
// For link-based keys, PathOrLink is the id of the link the flow will enter
// after the one it is on; at sinks it is the sink link's own id.
type RouteKey struct {
	Commodity  CommodityID
	PathOrLink int64
	IsPath     bool
}

func (k RouteKey) String() string {
	if k.IsPath {
		return fmt.Sprintf("c%d/p%d", k.Commodity, k.PathOrLink)
	}
	return fmt.Sprintf("c%d/l%d", k.Commodity, k.PathOrLink)
}

// SplitKey identifies a split ratio table: a commodity arriving on a link.
type SplitKey struct {
	Commodity CommodityID
	LinkIn    LinkID
}

// SplitRatios maps an (commodity, incoming link) pair to out-link proportions.
type SplitRatios map[SplitKey]map[LinkID]float64
