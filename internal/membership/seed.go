package membership

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/legalmind/roomchat/internal/docstore"
)

// DefaultRooms are the rooms written by SeedDefaults into an empty store.
var DefaultRooms = []RoomMeta{
	{
		Name:        "Contract Law Experts",
		Avatar:      "/icons/contract_law.png",
		Category:    "Contract",
		Description: "Discuss contract clauses, review agreements, and get legal opinions.",
		Tags:        []string{"contracts", "agreements", "legal-review"},
	},
	{
		Name:        "Property Law & Real Estate",
		Avatar:      "/icons/property_law.png",
		Category:    "Property",
		Description: "Share insights on property disputes, ownership laws, and tenancy agreements.",
		Tags:        []string{"property", "real-estate", "tenancy"},
	},
	{
		Name:        "Consumer Rights Forum",
		Avatar:      "/icons/consumer-rights.png",
		Category:    "Consumer",
		Description: "Discuss complaints, product/service issues, and consumer protection laws.",
		Tags:        []string{"consumer-rights", "complaints", "protection"},
	},
	{
		Name:        "Family & Divorce Law",
		Avatar:      "/icons/family_law.png",
		Category:    "Family",
		Description: "Get advice on divorce, custody, maintenance, and other family matters.",
		Tags:        []string{"family-law", "divorce", "custody"},
	},
	{
		Name:        "Startup & Business Law",
		Avatar:      "/icons/business_law.png",
		Category:    "Business",
		Description: "Legal guidance for startups: incorporation, compliance, contracts, and funding.",
		Tags:        []string{"business", "startups", "compliance"},
	},
	{
		Name:        "Tax & Finance Law",
		Avatar:      "/icons/tax.png",
		Category:    "Finance",
		Description: "Share insights on tax planning, filing, GST, and financial regulations.",
		Tags:        []string{"tax", "finance", "gst"},
	},
}

// SeedDefaults writes DefaultRooms as community_1..community_N when the
// store holds no rooms at all, and returns how many were written. Seeded
// rooms start with zero members so the count matches their records.
func (l *Ledger) SeedDefaults(ctx context.Context) (int, error) {
	lst, err := l.lister()
	if err != nil {
		return 0, err
	}
	existing, err := lst.List(ctx, RoomsCollection)
	if err != nil {
		return 0, fmt.Errorf("membership: seed: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for i, meta := range DefaultRooms {
		id := RoomIDPrefix + strconv.Itoa(i+1)
		err := l.store.Set(ctx, RoomPath(id), docstore.Doc{
			"name":        meta.Name,
			"avatar":      meta.Avatar,
			"category":    meta.Category,
			"description": meta.Description,
			"tags":        meta.Tags,
			"createdBy":   "admin",
			"createdAt":   docstore.ServerTimestamp,
			membersField:  0,
			"isActive":    true,
			"rules":       DefaultRules,
		})
		if err != nil {
			return i, fmt.Errorf("membership: seed %s: %w", id, err)
		}
	}
	log.Printf("[membership] seeded %d default rooms", len(DefaultRooms))
	return len(DefaultRooms), nil
}
