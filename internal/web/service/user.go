package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4/pgxpool"

	"nuha.dev/presence/internal/util"
)

type User struct {
	db *pgxpool.Pool
}

type UserModel struct {
	Id          string       `json:"id"`
	Username    string       `json:"username"`
	DisplayName string       `json:"display_name"`
	AvatarURL   string       `json:"avatar_url,omitempty"`
	Role        string       `json:"role"`
	InitDone    bool         `json:"init_done"`
	Suspended   bool         `json:"suspended"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   sql.NullTime `json:"updated_at"`
}

type CreateUserRequest struct {
	Username      string `json:"username" validate:"required,alphanum"`
	Password      string `json:"password" validate:"required,min=8"`
	DisplayName   string `json:"display_name" validate:"required"`
	AvatarURL     string `json:"avatar_url" validate:"omitempty,url"`
	Role          string `json:"role" validate:"oneof=viewer admin"`
	SessionLength uint64 `json:"session_length" validate:"required"`
}

func (u *User) CreateUser(ctx context.Context, req *CreateUserRequest, res *BasicResponse) {
	hashedPwd := util.CryptPwd(req.Password)
	uuid := util.GenUUID()
	sqlStmt := `INSERT INTO webuser (id,username,password,display_name,avatar_url,init_done,suspended,role,session_length_sec,created_at)
	VALUES ($1,$2,$3,$4,nullif($5,''),false,false,$6,$7,now())`
	_, err := u.db.Exec(ctx, sqlStmt, uuid, req.Username, hashedPwd, req.DisplayName, req.AvatarURL, req.Role, req.SessionLength)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "webuser_username_key" {
				res.Status = -1
				return
			}
		}
		panic(err)
	}
	res.Status = 0
}

type GetUsersResponse struct {
	BasicResponse
	Users []*UserModel `json:"users"`
}

func (u *User) GetUsers(ctx context.Context, res *GetUsersResponse) {
	sqlStmt := `SELECT id,username,display_name,coalesce(avatar_url,''),role,suspended,init_done,created_at,updated_at FROM webuser ORDER BY username`
	rows, err := u.db.Query(ctx, sqlStmt)
	if err != nil {
		panic(err)
	}
	defer rows.Close()
	users := make([]*UserModel, 0)

	for rows.Next() {
		user := &UserModel{}
		err := rows.Scan(&user.Id, &user.Username, &user.DisplayName, &user.AvatarURL, &user.Role, &user.Suspended, &user.InitDone, &user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			panic(err)
		}
		users = append(users, user)
	}
	res.Users = users
	res.Status = 0
}

type SuspendUserRequest struct {
	Id string `json:"id" validate:"required"`
}

// SuspendUser locks the account and kills its sessions so the dashboard
// and websocket lose access together.
func (u *User) SuspendUser(ctx context.Context, req *SuspendUserRequest, res *BasicResponse) {
	tx, err := u.db.Begin(ctx)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	ct, err := tx.Exec(ctx, `UPDATE webuser SET suspended = true,updated_at = now() WHERE id = $1`, req.Id)
	if err != nil {
		panic(err)
	}
	if ct.RowsAffected() != 1 {
		res.Status = -1
		return
	}
	_, err = tx.Exec(ctx, `DELETE FROM session WHERE user_id = $1`, req.Id)
	if err != nil {
		panic(err)
	}
	if err := tx.Commit(ctx); err != nil {
		panic(err)
	}
	res.Status = 0
}

type ReinstateUserRequest struct {
	Id string `json:"id" validate:"required"`
}

func (u *User) ReinstateUser(ctx context.Context, req *ReinstateUserRequest, res *BasicResponse) {
	ct, err := u.db.Exec(ctx, `UPDATE webuser SET suspended = false,updated_at = now() WHERE id = $1`, req.Id)
	if err != nil {
		panic(err)
	}
	if ct.RowsAffected() != 1 {
		res.Status = -1
		return
	}
	res.Status = 0
}

type UpdateProfileRequest struct {
	Id          string `json:"id" validate:"required"`
	DisplayName string `json:"display_name" validate:"required"`
	AvatarURL   string `json:"avatar_url" validate:"omitempty,url"`
}

func (u *User) UpdateProfile(ctx context.Context, req *UpdateProfileRequest, res *BasicResponse) {
	ct, err := u.db.Exec(ctx, `UPDATE webuser SET display_name = $1,avatar_url = nullif($2,''),updated_at = now() WHERE id = $3`,
		req.DisplayName, req.AvatarURL, req.Id)
	if err != nil {
		panic(err)
	}
	if ct.RowsAffected() != 1 {
		res.Status = -1
		return
	}
	res.Status = 0
}
