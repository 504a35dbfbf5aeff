// Package transaction serializes structural changes into the commit log.
// It owns the single global commit lock: every mutation of table-storage
// metadata in a running system flows through one Writer.
package transaction

import (
	"context"
	"fmt"

	"github.com/stratumdb/stratum"
)

// Action is one structural change to be applied within a commit: schema,
// table, column, or view DDL, or a chunk insert/delete for a table. Actions
// are immutable once constructed and are consumed exactly once. The variant
// set is closed; applyAction dispatches over all of it.
type Action interface {
	isAction()
}

// CreateSchema creates a new, empty schema.
type CreateSchema struct {
	Schema stratum.SchemaInfo
}

// RenameSchema renames an existing schema.
type RenameSchema struct {
	SchemaID stratum.SchemaID
	NewName  string
}

// DropSchema drops an empty schema.
type DropSchema struct {
	SchemaID stratum.SchemaID
}

// CreateTable creates a table, including its initial columns.
type CreateTable struct {
	Table stratum.TableInfo
}

// RenameTable renames a table and may move it to another schema.
type RenameTable struct {
	TableID  stratum.TableID
	SchemaID stratum.SchemaID
	NewName  string
}

// DropTable drops a table. Its chunks become deleted-chunk bookkeeping,
// reclaimed later by the cleaner.
type DropTable struct {
	TableID stratum.TableID
}

// AddColumn appends a column to a table.
type AddColumn struct {
	TableID stratum.TableID
	Column  stratum.ColumnInfo
}

// RenameColumn renames a column of a table.
type RenameColumn struct {
	TableID  stratum.TableID
	ColumnID stratum.ColumnID
	NewName  string
}

// DropColumn removes a column from a table.
type DropColumn struct {
	TableID  stratum.TableID
	ColumnID stratum.ColumnID
}

// CreateView creates a view.
type CreateView struct {
	View stratum.ViewInfo
}

// DropView drops a view.
type DropView struct {
	ViewID stratum.ViewID
}

// InsertChunks registers new chunks for a table, in order.
type InsertChunks struct {
	TableID stratum.TableID
	Chunks  []stratum.ChunkInfo
}

// DeleteChunks removes chunks from a table's live set.
type DeleteChunks struct {
	TableID  stratum.TableID
	ChunkIDs []stratum.ChunkID
}

func (CreateSchema) isAction() {}
func (RenameSchema) isAction() {}
func (DropSchema) isAction()   {}
func (CreateTable) isAction()  {}
func (RenameTable) isAction()  {}
func (DropTable) isAction()    {}
func (AddColumn) isAction()    {}
func (RenameColumn) isAction() {}
func (DropColumn) isAction()   {}
func (CreateView) isAction()   {}
func (DropView) isAction()     {}
func (InsertChunks) isAction() {}
func (DeleteChunks) isAction() {}

// applyAction dispatches one action to the matching MetadataWriter method
// under the given commit. An action kind outside the closed set is a bug in
// this package, not a runtime condition, and panics.
func applyAction(ctx context.Context, md stratum.MetadataWriter, commitID stratum.CommitID, action Action) error {
	switch a := action.(type) {
	case CreateSchema:
		return md.CreateSchema(ctx, commitID, a.Schema)
	case RenameSchema:
		return md.RenameSchema(ctx, commitID, a.SchemaID, a.NewName)
	case DropSchema:
		return md.DropSchema(ctx, commitID, a.SchemaID)
	case CreateTable:
		return md.CreateTable(ctx, commitID, a.Table)
	case RenameTable:
		return md.RenameTable(ctx, commitID, a.TableID, a.SchemaID, a.NewName)
	case DropTable:
		return md.DropTable(ctx, commitID, a.TableID)
	case AddColumn:
		return md.AddColumn(ctx, commitID, a.TableID, a.Column)
	case RenameColumn:
		return md.RenameColumn(ctx, commitID, a.TableID, a.ColumnID, a.NewName)
	case DropColumn:
		return md.DropColumn(ctx, commitID, a.TableID, a.ColumnID)
	case CreateView:
		return md.CreateView(ctx, commitID, a.View)
	case DropView:
		return md.DropView(ctx, commitID, a.ViewID)
	case InsertChunks:
		return md.InsertChunks(ctx, commitID, a.TableID, a.Chunks)
	case DeleteChunks:
		return md.DeleteChunks(ctx, commitID, a.TableID, a.ChunkIDs)
	default:
		panic(fmt.Sprintf("unhandled action type %T", action))
	}
}
