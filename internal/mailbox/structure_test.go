package mailbox

import (
	"testing"

	"github.com/emersion/go-imap/v2"
)

func singlePart(typ, subtype string) *imap.BodyStructureSinglePart {
	return &imap.BodyStructureSinglePart{Type: typ, Subtype: subtype}
}

func TestStructureHasAttachment(t *testing.T) {
	tests := []struct {
		name string
		bs   imap.BodyStructure
		want bool
	}{
		{
			name: "plain single part",
			bs:   singlePart("text", "plain"),
			want: false,
		},
		{
			name: "multipart alternative",
			bs: &imap.BodyStructureMultiPart{
				Subtype: "alternative",
				Children: []imap.BodyStructure{
					singlePart("text", "plain"),
					singlePart("text", "html"),
				},
			},
			want: false,
		},
		{
			name: "multipart mixed at top level",
			bs: &imap.BodyStructureMultiPart{
				Subtype: "mixed",
				Children: []imap.BodyStructure{
					singlePart("text", "plain"),
					singlePart("application", "pdf"),
				},
			},
			want: true,
		},
		{
			name: "mixed subtype capitalized",
			bs: &imap.BodyStructureMultiPart{
				Subtype: "MIXED",
				Children: []imap.BodyStructure{
					singlePart("text", "plain"),
				},
			},
			want: true,
		},
		{
			name: "mixed nested under signed",
			bs: &imap.BodyStructureMultiPart{
				Subtype: "signed",
				Children: []imap.BodyStructure{
					&imap.BodyStructureMultiPart{
						Subtype: "mixed",
						Children: []imap.BodyStructure{
							singlePart("text", "plain"),
							singlePart("image", "png"),
						},
					},
					singlePart("application", "pgp-signature"),
				},
			},
			want: true,
		},
		{
			name: "related without mixed anywhere",
			bs: &imap.BodyStructureMultiPart{
				Subtype: "related",
				Children: []imap.BodyStructure{
					&imap.BodyStructureMultiPart{
						Subtype: "alternative",
						Children: []imap.BodyStructure{
							singlePart("text", "plain"),
							singlePart("text", "html"),
						},
					},
					singlePart("image", "png"),
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := structureHasAttachment(tt.bs); got != tt.want {
				t.Errorf("structureHasAttachment() = %v, want %v", got, tt.want)
			}
		})
	}
}
