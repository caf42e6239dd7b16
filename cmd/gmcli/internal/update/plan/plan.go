// Package plan defines the unit of work handed to the update
// orchestrator and the validation rules applied before execution.
package plan

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPlan is returned when an update plan fails validation.
var ErrInvalidPlan = errors.New("invalid update plan")

// ChangeKind enumerates supported schema changes.
type ChangeKind string

const (
	KindAddNodeTable ChangeKind = "add-node-table"
	KindAddRelTable  ChangeKind = "add-rel-table"
	KindAddProperty  ChangeKind = "add-property"
	KindDropTable    ChangeKind = "drop-table"
)

// ImageRef names one image to update.
//
// Tags are immutable once verification succeeds for a run.
type ImageRef struct {
	// Name is the image repository reference without a tag.
	Name string `json:"name" validate:"required"`

	// Tag is the target tag to deploy.
	Tag string `json:"tag" validate:"required"`

	// CurrentTag is the tag currently running, used for rollback.
	CurrentTag string `json:"currentTag" validate:"required"`
}

// Ref returns the full target image reference.
func (r ImageRef) Ref() string { return r.Name + ":" + r.Tag }

// CurrentRef returns the full currently-deployed image reference.
func (r ImageRef) CurrentRef() string { return r.Name + ":" + r.CurrentTag }

// ServiceRef binds a compose service to one of the plan's images.
type ServiceRef struct {
	// Name is the compose service name.
	Name string `json:"name" validate:"required"`

	// Image is the image repository the service runs.
	Image string `json:"image" validate:"required"`
}

// Property is a named, typed column in a schema change.
type Property struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"required"`
}

// SchemaChange is one structural modification to the graph schema.
//
// Changes are applied in list order and are reversible only by restoring
// the prior backup, not by inverse operations.
type SchemaChange struct {
	// Kind selects the change type.
	Kind ChangeKind `json:"kind" validate:"required,oneof=add-node-table add-rel-table add-property drop-table"`

	// TableName is the node or relationship table affected.
	TableName string `json:"tableName" validate:"required"`

	// Properties are the columns to create (add-node-table, add-rel-table,
	// add-property).
	Properties []Property `json:"properties,omitempty" validate:"dive"`

	// From and To name the endpoint node tables for add-rel-table.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// UpdatePlan is the unit of work for one update run.
type UpdatePlan struct {
	// Images are the images to verify, pull, and deploy, in order.
	Images []ImageRef `json:"images" validate:"required,min=1,dive"`

	// Services maps compose services to plan images. Optional; when
	// empty, services are matched to images by their current image
	// repository.
	Services []ServiceRef `json:"services,omitempty" validate:"dive"`

	// SchemaChanges are applied to the graph schema in list order.
	SchemaChanges []SchemaChange `json:"schemaChanges,omitempty" validate:"dive"`

	// TargetSchemaVersion optionally records the schema version this
	// plan migrates to.
	TargetSchemaVersion string `json:"targetSchemaVersion,omitempty"`
}

var planValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural plan invariants before any side effect.
func (p *UpdatePlan) Validate() error {
	if err := planValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	for _, c := range p.SchemaChanges {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c SchemaChange) validate() error {
	switch c.Kind {
	case KindAddNodeTable:
		if len(c.Properties) == 0 {
			return fmt.Errorf("%w: add-node-table %s requires properties", ErrInvalidPlan, c.TableName)
		}
	case KindAddRelTable:
		if c.From == "" || c.To == "" {
			return fmt.Errorf("%w: add-rel-table %s requires from and to", ErrInvalidPlan, c.TableName)
		}
	case KindAddProperty:
		if len(c.Properties) == 0 {
			return fmt.Errorf("%w: add-property on %s requires properties", ErrInvalidPlan, c.TableName)
		}
	}
	return nil
}
