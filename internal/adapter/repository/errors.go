package repository

import (
	"fmt"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

func errUnsupportedTable(table entity.ChangeTable) error {
	return errors.BadRequest(fmt.Sprintf("change feed does not support table %q", table), nil)
}
